package channel

import (
	"encoding/json"
	"fmt"
)

// Event types carried in the envelope of every broker payload.
const (
	TypeMessage          = "message"
	TypeError            = "error"
	TypeCreateConvo      = "create_convo"
	TypeAddSelf          = "add_self"
	TypeDeleteSelf       = "delete_self"
	TypeUpdateConvoName  = "update_convo_name"
	TypeUpdateConvoPhoto = "update_convo_photo"
	TypeAddMembers       = "add_members"
	TypeDeleteMembers    = "delete_members"
)

// Op is a change to a session's subscription set.
type Op int

const (
	OpNone Op = iota
	OpSubscribe
	OpUnsubscribe
)

func (o Op) String() string {
	switch o {
	case OpSubscribe:
		return "subscribe"
	case OpUnsubscribe:
		return "unsubscribe"
	default:
		return "none"
	}
}

// Command asks the subscription manager to change one channel.
type Command struct {
	Op      Op
	Channel string
}

// Event is a decoded broker payload together with the channel it arrived on.
type Event struct {
	Channel string
	Type    string
	Data    json.RawMessage
}

// Envelope is the wire shape shared by broker payloads and socket frames.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseEvent decodes a raw broker payload.
func ParseEvent(channelName string, payload []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{Channel: channelName}, fmt.Errorf("decode event on %s: %w", channelName, err)
	}
	return Event{Channel: channelName, Type: env.Type, Data: env.Data}, nil
}

// Decision is what a session does with one event. Forward and Command are
// independent: add_self both subscribes and forwards. A Decision with neither
// set is an ignore, and Reason says why.
type Decision struct {
	Forward bool
	Command Command
	Reason  string
}

// Ignored reports whether the event is dropped.
func (d Decision) Ignored() bool {
	return !d.Forward && d.Command.Op == OpNone
}

type eventData struct {
	ConvoID      int  `json:"convo_id"`
	TargetUserID *int `json:"target_user_id"`
}

type rule func(self int, ev Event, data eventData) Decision

func forward(int, Event, eventData) Decision {
	return Decision{Forward: true}
}

func forwardOwnMessage(self int, _ Event, data eventData) Decision {
	if data.TargetUserID != nil && *data.TargetUserID != self {
		return ignore("message addressed to user %d", *data.TargetUserID)
	}
	return Decision{Forward: true}
}

func subscribeOnly(self int, ev Event, data eventData) Decision {
	if data.ConvoID <= 0 {
		return ignore("%s without convo_id", ev.Type)
	}
	return Decision{Command: Command{Op: OpSubscribe, Channel: Chat(data.ConvoID)}}
}

func changeAndForward(op Op) rule {
	return func(self int, ev Event, data eventData) Decision {
		if data.ConvoID <= 0 {
			return ignore("%s without convo_id", ev.Type)
		}
		return Decision{Forward: true, Command: Command{Op: op, Channel: Chat(data.ConvoID)}}
	}
}

var userRules = map[string]rule{
	TypeMessage:     forwardOwnMessage,
	TypeCreateConvo: subscribeOnly,
	TypeAddSelf:     changeAndForward(OpSubscribe),
	TypeDeleteSelf:  changeAndForward(OpUnsubscribe),
}

var chatRules = map[string]rule{
	TypeUpdateConvoName:  forward,
	TypeUpdateConvoPhoto: forward,
	TypeDeleteMembers:    forward,
	TypeAddMembers:       forward,
}

func ignore(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Route maps an event received by the session of user self to a Decision.
// It is total: every input yields exactly one Decision.
func Route(self int, ev Event) Decision {
	var rules map[string]rule
	switch {
	case ev.Channel == User(self):
		rules = userRules
	case IsChat(ev.Channel):
		rules = chatRules
	default:
		return ignore("unknown channel %q", ev.Channel)
	}

	r, ok := rules[ev.Type]
	if !ok {
		return ignore("type %q not routed on %s", ev.Type, ev.Channel)
	}

	var data eventData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return ignore("bad %s data: %v", ev.Type, err)
		}
	}
	return r(self, ev, data)
}
