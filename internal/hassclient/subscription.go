package hassclient

import (
	"context"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/EgorLis/hassclient/internal/hassmessage"
)

// Subscription is an unbounded, ordered stream of event messages for one
// subscribe command. The connection owns it; the caller only reads from it.
type Subscription struct {
	id   int64
	conn *Connection

	mu     sync.Mutex
	queue  []hassmessage.Message
	ended  bool
	err    error
	notify chan struct{}
	done   chan struct{}
}

func newSubscription(c *Connection) *Subscription {
	return &Subscription{
		conn:   c,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID is the correlation id of the subscribe command; events carry it.
func (s *Subscription) ID() int64 { return s.id }

// push never blocks the receive loop.
func (s *Subscription) push(m hassmessage.Message) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// finish ends the stream; err is nil for an orderly end.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.done)
}

// Next returns the next event message. Queued events are still delivered after
// the subscription ends; then Next returns io.EOF for an orderly end or the
// connection error otherwise.
func (s *Subscription) Next(ctx context.Context) (hassmessage.Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			m := s.queue[0]
			s.queue[0] = hassmessage.Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, nil
		}
		if s.ended {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return hassmessage.Message{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return hassmessage.Message{}, ctx.Err()
		}
	}
}

// Events iterates decoded events until the subscription ends or ctx is done.
// An orderly end stops the iteration without an error.
func (s *Subscription) Events(ctx context.Context) iter.Seq2[*hassmessage.Event, error] {
	return func(yield func(*hassmessage.Event, error) bool) {
		for {
			m, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			var ev hassmessage.Event
			if err := m.DecodeEvent(&ev); err != nil {
				if !yield(nil, fmt.Errorf("subscription %d: decode event: %w", s.id, err)) {
					return
				}
				continue
			}
			if !yield(&ev, nil) {
				return
			}
		}
	}
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe asks the hub to stop the subscription and ends the stream.
// It is a no-op once the subscription has ended.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return nil
	}

	_, err := s.conn.SendAndAwait(ctx, hassmessage.NewUnsubscribeEvents(s.id), 0)
	s.conn.removeSubscription(s.id)
	s.finish(nil)
	return err
}

// Subscribe sends a subscribe-class command and returns its event stream once
// the hub acknowledged it. The subscription is registered before the command
// is written, so no event can arrive unrouted.
func (c *Connection) Subscribe(ctx context.Context, cmd *hassmessage.Command) (*Subscription, error) {
	sub := newSubscription(c)
	p, err := c.send(ctx, cmd, sub)
	if err != nil {
		return nil, err
	}
	if _, err := c.await(ctx, p, 0); err != nil {
		c.removeSubscription(sub.id)
		sub.finish(err)
		return nil, err
	}
	c.logger.Debug("subscribed", "id", sub.id, "type", cmd.Type)
	return sub, nil
}
