/*
events.go - Outbound rank-change notifications

PURPOSE:
  RankChanged is produced by the RankEngine wrapper and published after
  the account lock is released. Delivery is explicit: components call a
  Publisher, and the in-process Bus fans out to handlers registered with
  Subscribe. There is no implicit listener discovery.

IMPLEMENTATIONS:
  - Bus: in-process typed fan-out (tests, single-binary wiring)
  - notify.KafkaPublisher: kafka topic for the notification subsystem
*/
package affiliate

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RankChanged is emitted when an account is promoted.
type RankChanged struct {
	AccountID AccountID `json:"account_id"`
	OldRank   Rank      `json:"old_rank"`
	NewRank   Rank      `json:"new_rank"`
	At        time.Time `json:"at"`
}

// Publisher delivers rank changes to the outside world.
type Publisher interface {
	PublishRankChanged(ctx context.Context, ev RankChanged) error
}

// RankChangedHandler handles one event. Errors are joined and returned
// to the publisher; other handlers still run.
type RankChangedHandler func(ctx context.Context, ev RankChanged) error

// Bus is an in-process Publisher with explicit subscriptions.
type Bus struct {
	mu       sync.RWMutex
	handlers []RankChangedHandler
}

func NewBus() *Bus { return &Bus{} }

// Subscribe registers h for every future event.
func (b *Bus) Subscribe(h RankChangedHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) PublishRankChanged(ctx context.Context, ev RankChanged) error {
	b.mu.RLock()
	handlers := append([]RankChangedHandler(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Publisher = (*Bus)(nil)
