package chat

import (
	"context"
	"errors"
	"fmt"

	"polychat/internal/broker"
	"polychat/internal/channel"
)

// listener drains a session's subscription handle. Events for the socket are
// written as received; membership changes are queued for the subscription
// manager.
type listener struct {
	self int
	sub  broker.Subscription
	conn Conn
	cmds chan<- channel.Command
	logf func(format string, args ...any)
}

func (l *listener) run(ctx context.Context) error {
	for {
		msg, err := l.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		ev, err := channel.ParseEvent(msg.Channel, msg.Payload)
		if err != nil {
			l.logf("dropping event: %v", err)
			continue
		}

		d := channel.Route(l.self, ev)
		if d.Ignored() {
			l.logf("dropping %q event on %s: %s", ev.Type, ev.Channel, d.Reason)
			continue
		}
		if d.Command.Op != channel.OpNone {
			select {
			case l.cmds <- d.Command:
			default:
				return fmt.Errorf("%s %s: %w", d.Command.Op, d.Command.Channel, ErrQueueFull)
			}
		}
		if d.Forward {
			if err := l.conn.WriteMessage(msg.Payload); err != nil {
				return fmt.Errorf("forward %q event: %w", ev.Type, err)
			}
		}
	}
}
