package chat

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"polychat/internal/broker"
)

// maxConcurrentPublishes bounds the goroutines used by one Deliver call.
const maxConcurrentPublishes = 8

// Publisher delivers already committed events. Each delivery is retried a
// fixed number of times with a fixed delay; a delivery that still fails is
// logged and dropped, since the data is recoverable from history.
type Publisher struct {
	broker   broker.Broker
	attempts uint
	delay    time.Duration
}

func NewPublisher(b broker.Broker, attempts uint, delay time.Duration) *Publisher {
	if attempts == 0 {
		attempts = 1
	}
	return &Publisher{broker: b, attempts: attempts, delay: delay}
}

// Deliver publishes every delivery and waits for all of them. It returns the
// number of deliveries dropped after exhausting their attempts.
func (p *Publisher) Deliver(ctx context.Context, deliveries []Delivery) int {
	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(maxConcurrentPublishes)
	for _, d := range deliveries {
		g.Go(func() error {
			if err := p.publish(ctx, d); err != nil {
				log.Printf("publish: dropping event for %s after %d attempts: %v", d.Channel, p.attempts, err)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func (p *Publisher) publish(ctx context.Context, d Delivery) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, p.broker.Publish(ctx, d.Channel, d.Payload)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.delay)),
		backoff.WithMaxTries(p.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("publish: attempt %d to %s failed, retrying in %s: %v", attempt, d.Channel, next, err)
		}),
	)
	return err
}
