package chat

import (
	"context"
	"fmt"
	"time"

	"polychat/internal/broker"
	"polychat/internal/channel"
)

// commandTimeout bounds one subscribe/unsubscribe round trip to the broker.
const commandTimeout = 5 * time.Second

// subscriptionManager is the only writer of a session's subscription set
// once the session is active. Commands are applied one at a time, in the
// order the listener queued them.
type subscriptionManager struct {
	sub  broker.Subscription
	cmds <-chan channel.Command
	// producerDone is closed when the listener, the only producer, has exited.
	producerDone <-chan struct{}
	logf         func(format string, args ...any)
}

func (m *subscriptionManager) run(ctx context.Context) error {
	for {
		select {
		case cmd := <-m.cmds:
			if err := m.apply(ctx, cmd); err != nil {
				return err
			}
		case <-ctx.Done():
			<-m.producerDone
			m.drain(ctx)
			return nil
		}
	}
}

// drain applies whatever is still queued so no command is lost on shutdown.
func (m *subscriptionManager) drain(ctx context.Context) {
	for {
		select {
		case cmd := <-m.cmds:
			if err := m.apply(ctx, cmd); err != nil {
				m.logf("%v", err)
			}
		default:
			return
		}
	}
}

// apply runs detached from ctx so cancellation never interrupts a command
// halfway through.
func (m *subscriptionManager) apply(ctx context.Context, cmd channel.Command) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Op {
	case channel.OpSubscribe:
		err = m.sub.Subscribe(ctx, cmd.Channel)
	case channel.OpUnsubscribe:
		err = m.sub.Unsubscribe(ctx, cmd.Channel)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", cmd.Op, cmd.Channel, err)
	}
	m.logf("%s %s", cmd.Op, cmd.Channel)
	return nil
}
