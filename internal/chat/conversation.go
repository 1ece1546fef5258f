package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"polychat/internal/channel"
)

// ErrInvalid reports a request that can never succeed as sent.
var ErrInvalid = errors.New("invalid request")

// MemberOp selects whether UpdateMembers adds or removes users.
type MemberOp string

const (
	MemberAdd    MemberOp = "add"
	MemberRemove MemberOp = "remove"
)

// Conversations changes conversation metadata and membership and announces
// every change to the live sessions it affects.
type Conversations struct {
	store     Store
	publisher *Publisher
}

func NewConversations(store Store, publisher *Publisher) *Conversations {
	return &Conversations{store: store, publisher: publisher}
}

// Start creates a conversation between creatorID and memberIDs. A direct chat
// with the same two members is returned instead of creating a second one;
// created reports which happened.
func (c *Conversations) Start(ctx context.Context, creatorID int, memberIDs []int, name *string, isGroup bool) (convo *Conversation, created bool, err error) {
	members := uniqueIDs(append([]int{creatorID}, memberIDs...))
	if len(members) < 2 {
		return nil, false, fmt.Errorf("a conversation needs at least two members: %w", ErrInvalid)
	}
	isGroup = isGroup || len(members) > 2
	fp := Fingerprint(members)

	if !isGroup {
		existing, err := c.findDirect(ctx, fp, members)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	convo = &Conversation{Name: name, IsGroup: isGroup, Fingerprint: fp}
	if err := tx.CreateConversation(ctx, convo); err != nil {
		return nil, false, err
	}
	if err := tx.AddMembers(ctx, convo.ID, members); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	ev := ConvoEvent{ConvoID: convo.ID, Name: convo.Name, IsGroup: &convo.IsGroup, UserIDs: members, ActorID: creatorID}
	var deliveries []Delivery
	for _, id := range members {
		d, err := convoDelivery(channel.User(id), channel.TypeCreateConvo, ev)
		if err != nil {
			return convo, true, err
		}
		deliveries = append(deliveries, d)
	}
	c.publisher.Deliver(ctx, deliveries)
	return convo, true, nil
}

// findDirect returns the direct chat whose current members are exactly
// members, or nil. A fingerprint match alone is not enough since members may
// have been removed or added after the chat was created.
func (c *Conversations) findDirect(ctx context.Context, fp string, members []int) (*Conversation, error) {
	candidates, err := c.store.FindByFingerprint(ctx, fp)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	for _, convo := range candidates {
		current, err := c.store.MemberIDs(ctx, convo.ID)
		if err != nil {
			return nil, err
		}
		if slices.Equal(uniqueIDs(current), members) {
			return &convo, nil
		}
	}
	return nil, nil
}

// UpdateMembers adds or removes userIDs. actorID must be a member; removing
// yourself is how a member leaves.
func (c *Conversations) UpdateMembers(ctx context.Context, actorID, conversationID int, userIDs []int, op MemberOp) error {
	userIDs = uniqueIDs(userIDs)
	if len(userIDs) == 0 {
		return fmt.Errorf("no users given: %w", ErrInvalid)
	}
	if op != MemberAdd && op != MemberRemove {
		return fmt.Errorf("unknown method %q: %w", op, ErrInvalid)
	}
	if err := c.requireMember(ctx, conversationID, actorID); err != nil {
		return err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	convo, err := tx.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if op == MemberAdd {
		err = tx.AddMembers(ctx, conversationID, userIDs)
	} else {
		err = tx.RemoveMembers(ctx, conversationID, userIDs)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	groupType, selfType := channel.TypeAddMembers, channel.TypeAddSelf
	if op == MemberRemove {
		groupType, selfType = channel.TypeDeleteMembers, channel.TypeDeleteSelf
	}

	group, err := convoDelivery(channel.Chat(conversationID), groupType, ConvoEvent{
		ConvoID: conversationID, UserIDs: userIDs, ActorID: actorID,
	})
	if err != nil {
		return err
	}
	var personal []Delivery
	for _, id := range userIDs {
		d, err := convoDelivery(channel.User(id), selfType, ConvoEvent{
			ConvoID: conversationID, Name: convo.Name, Photo: convo.Photo, IsGroup: &convo.IsGroup, ActorID: actorID,
		})
		if err != nil {
			return err
		}
		personal = append(personal, d)
	}

	// New members subscribe before the group hears about them; removed
	// members still get the group notice before they unsubscribe.
	if op == MemberAdd {
		c.publisher.Deliver(ctx, personal)
		c.publisher.Deliver(ctx, []Delivery{group})
	} else {
		c.publisher.Deliver(ctx, []Delivery{group})
		c.publisher.Deliver(ctx, personal)
	}
	return nil
}

// Rename sets or clears the conversation name.
func (c *Conversations) Rename(ctx context.Context, actorID, conversationID int, name *string) error {
	return c.updateMetadata(ctx, actorID, conversationID, channel.TypeUpdateConvoName,
		func(tx Tx) error { return tx.UpdateConversationName(ctx, conversationID, name) },
		ConvoEvent{ConvoID: conversationID, Name: name, ActorID: actorID})
}

// UpdatePhoto sets or clears the object key of the conversation photo.
func (c *Conversations) UpdatePhoto(ctx context.Context, actorID, conversationID int, photo *string) error {
	return c.updateMetadata(ctx, actorID, conversationID, channel.TypeUpdateConvoPhoto,
		func(tx Tx) error { return tx.UpdateConversationPhoto(ctx, conversationID, photo) },
		ConvoEvent{ConvoID: conversationID, Photo: photo, ActorID: actorID})
}

func (c *Conversations) updateMetadata(ctx context.Context, actorID, conversationID int, typ string, update func(Tx) error, ev ConvoEvent) error {
	if err := c.requireMember(ctx, conversationID, actorID); err != nil {
		return err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := update(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	d, err := convoDelivery(channel.Chat(conversationID), typ, ev)
	if err != nil {
		return err
	}
	c.publisher.Deliver(ctx, []Delivery{d})
	return nil
}

// ConversationDetail is a conversation together with its current members.
type ConversationDetail struct {
	Conversation
	Members []Member `json:"members"`
}

// Get returns the conversation and its members to one of those members.
func (c *Conversations) Get(ctx context.Context, userID, conversationID int) (*ConversationDetail, error) {
	if err := c.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	convo, err := tx.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	members, err := tx.GetMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ConversationDetail{Conversation: *convo, Members: members}, nil
}

// Delete removes a conversation with all of its messages. Every member's
// sessions receive delete_self and drop the chat channel.
func (c *Conversations) Delete(ctx context.Context, actorID, conversationID int) error {
	if err := c.requireMember(ctx, conversationID, actorID); err != nil {
		return err
	}

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	members, err := tx.GetMembers(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := tx.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	deliveries := make([]Delivery, 0, len(members))
	for _, m := range members {
		d, err := convoDelivery(channel.User(m.ID), channel.TypeDeleteSelf, ConvoEvent{ConvoID: conversationID, ActorID: actorID})
		if err != nil {
			return err
		}
		deliveries = append(deliveries, d)
	}
	c.publisher.Deliver(ctx, deliveries)
	return nil
}

// MarkRead flags one of userID's translations as read.
func (c *Conversations) MarkRead(ctx context.Context, userID, translationID int) error {
	return c.store.MarkRead(ctx, translationID, userID)
}

// History is the synchronous fetch a client uses to catch up on messages it
// missed while offline, newest first.
func (c *Conversations) History(ctx context.Context, userID, conversationID, limit int) ([]HistoryItem, error) {
	if err := c.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return c.store.History(ctx, conversationID, userID, limit)
}

func (c *Conversations) requireMember(ctx context.Context, conversationID, userID int) error {
	ok, err := c.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %d in conversation %d: %w", userID, conversationID, ErrUnauthorized)
	}
	return nil
}

func uniqueIDs(ids []int) []int {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
