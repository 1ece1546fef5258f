package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"polychat/internal/broker"
	"polychat/internal/channel"
	"polychat/internal/translate"
)

var (
	ErrUnauthorized = errors.New("not authorized for this conversation")
	// ErrQueueFull ends a session whose subscription commands back up.
	ErrQueueFull = errors.New("subscription queue full")
)

const (
	defaultQueueSize   = 64
	unsubscribeTimeout = 5 * time.Second

	genericFailure = "Your message failed to send. Please try again."
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Deps are the process-wide collaborators every session shares.
type Deps struct {
	Store     Store
	Broker    broker.Broker
	Fanout    *Fanout
	Publisher *Publisher
	// QueueSize bounds the subscription command queue of each session.
	QueueSize int
}

// Session owns one live connection of an authenticated user.
type Session struct {
	ID     string
	UserID int

	conn  Conn
	deps  Deps
	state atomic.Int32

	closeOnce sync.Once
}

func NewSession(userID int, conn Conn, deps Deps) *Session {
	if deps.QueueSize <= 0 {
		deps.QueueSize = defaultQueueSize
	}
	return &Session{ID: uuid.NewString(), UserID: userID, conn: conn, deps: deps}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) logf(format string, args ...any) {
	log.Printf("session %s (user %d): "+format, append([]any{s.ID, s.UserID}, args...)...)
}

// close sends the close frame and releases the transport, once.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(code, reason); err != nil {
			s.logf("close: %v", err)
		}
	})
}

// Run blocks until the connection ends. It returns nil when the client leaves
// or ctx is cancelled, and the cause otherwise.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting)

	ids, err := s.deps.Store.ConversationIDs(ctx, s.UserID)
	if err != nil {
		s.close(websocket.CloseInternalServerErr, "could not load conversations")
		s.setState(StateClosed)
		return fmt.Errorf("load conversations: %w", err)
	}
	sub, err := s.deps.Broker.Subscribe(ctx, channel.ForSession(s.UserID, ids)...)
	if err != nil {
		s.close(websocket.CloseInternalServerErr, "could not subscribe")
		s.setState(StateClosed)
		return fmt.Errorf("subscribe: %w", err)
	}
	s.setState(StateAuthenticated)
	s.logf("subscribed to %d conversations", len(ids))

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()
	g, gctx := errgroup.WithContext(taskCtx)

	cmds := make(chan channel.Command, s.deps.QueueSize)
	listenerDone := make(chan struct{})
	g.Go(func() error {
		defer close(listenerDone)
		l := &listener{self: s.UserID, sub: sub, conn: s.conn, cmds: cmds, logf: s.logf}
		return l.run(gctx)
	})
	g.Go(func() error {
		m := &subscriptionManager{sub: sub, cmds: cmds, producerDone: listenerDone, logf: s.logf}
		return m.run(gctx)
	})

	// A failed task or a server shutdown unblocks the read loop by closing the
	// transport underneath it.
	stopping := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-stopping:
			return
		case <-gctx.Done():
		}
		select {
		case <-stopping:
			return
		default:
		}
		if ctx.Err() != nil {
			s.close(websocket.CloseNormalClosure, "server shutdown")
		} else {
			s.close(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	s.setState(StateActive)
	code, reason, runErr := s.receive(ctx)

	s.setState(StateClosing)
	close(stopping)
	cancelTasks()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.logf("background task failed: %v", err)
		code, reason = websocket.CloseInternalServerErr, "internal error"
		if runErr == nil {
			runErr = err
		}
	}
	<-watchDone

	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unsubscribeTimeout)
	if err := sub.Unsubscribe(uctx); err != nil {
		s.logf("unsubscribe: %v", err)
	}
	cancel()
	if err := sub.Close(); err != nil {
		s.logf("close subscription: %v", err)
	}

	s.close(code, reason)
	s.setState(StateClosed)
	s.logf("closed")
	return runErr
}

// receive processes inbound frames one at a time until the connection ends.
// It returns the close code and reason the session should end with.
func (s *Session) receive(ctx context.Context) (int, string, error) {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return websocket.CloseNormalClosure, "server shutdown", nil
			}
			return websocket.CloseNormalClosure, "", nil
		}

		var sub Submission
		if err := json.Unmarshal(data, &sub); err != nil {
			return websocket.CloseInternalServerErr, "malformed frame", fmt.Errorf("decode frame: %w", err)
		}

		user, err := s.authorize(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return websocket.CloseNormalClosure, "server shutdown", nil
			}
			if errors.Is(err, ErrUnauthorized) {
				s.logf("rejected message for conversation %d: %v", sub.ConversationID, err)
				return websocket.ClosePolicyViolation, "User is not authorized to send messages to this chat", err
			}
			return websocket.CloseInternalServerErr, "internal error", err
		}

		if err := s.handle(ctx, sub, user); err != nil {
			if ctx.Err() != nil {
				return websocket.CloseNormalClosure, "server shutdown", nil
			}
			return websocket.CloseInternalServerErr, "internal error", err
		}
	}
}

// authorize checks that the frame speaks for this session's user and that the
// user currently belongs to the conversation. It returns the fresh user row,
// whose API key pays for the translation.
func (s *Session) authorize(ctx context.Context, sub Submission) (*Member, error) {
	if sub.SenderID != s.UserID {
		return nil, fmt.Errorf("sender %d: %w", sub.SenderID, ErrUnauthorized)
	}
	ok, err := s.deps.Store.IsMember(ctx, sub.ConversationID, s.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", sub.ConversationID, ErrUnauthorized)
	}
	user, err := s.deps.Store.GetUser(ctx, s.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("user %d: %w", s.UserID, ErrUnauthorized)
	}
	return user, err
}

// handle submits one message and publishes the result. Only transport
// failures are returned; submission failures are reported to the sender.
func (s *Session) handle(ctx context.Context, sub Submission, user *Member) error {
	res, err := s.deps.Fanout.Submit(ctx, sub, user.APIKey)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var te *translate.Error
		if errors.As(err, &te) {
			s.logf("translation failed (%s): %v", te.Kind, err)
			return s.conn.WriteMessage(errorFrame(translate.UserMessage(err)))
		}
		s.logf("submit failed: %v", err)
		return s.conn.WriteMessage(errorFrame(genericFailure))
	}

	deliveries, err := MessageDeliveries(res)
	if err != nil {
		s.logf("encode deliveries for message %d: %v", res.Message.ID, err)
		return nil
	}
	if dropped := s.deps.Publisher.Deliver(ctx, deliveries); dropped > 0 {
		s.logf("message %d: %d of %d deliveries dropped", res.Message.ID, dropped, len(deliveries))
	}
	return nil
}
