package broker

import (
	"context"
	"time"

	"notifd/pkg/logx"
)

// deferredLoop re-runs parked records when their window ends.
func (b *Broker) deferredLoop(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		b.reevaluate(ctx, false)

		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
		if next, ok := b.deferred.Next(); ok {
			timer = time.NewTimer(max(next.Sub(b.now()), 0))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-b.deferred.Wake():
		case <-fire:
		}
	}
}

// reevaluate runs due (or, with all, every) parked record through the
// chain again. A record that was replaced or removed meanwhile is dropped.
func (b *Broker) reevaluate(ctx context.Context, all bool) {
	for _, key := range b.deferred.DueKeys(b.now(), all) {
		unlock := b.locks.Lock(key)
		parked, ok := b.deferred.Take(key)
		if !ok {
			unlock()
			continue
		}
		cur, ok := b.store.Get(parked.Identity)
		if !ok || cur.Version != parked.Version {
			unlock()
			continue
		}
		delivery, _ := b.deliverLocked(ctx, cur)
		unlock()
		b.log.Debug("deferred record re-evaluated", logx.String("key", string(key)), logx.String("delivery", delivery.String()))
	}
}
