package subscriber

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"notifd/internal/notification"
	"notifd/pkg/logx"
)

const deliveryTimeout = 10 * time.Second

func (r *Registry) workerLoop(ctx context.Context, e *entry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.done:
			return nil
		case <-e.notify:
		}
		for {
			ev, ok := e.pop()
			if !ok {
				break
			}
			if !r.deliver(ctx, e, ev) {
				return nil
			}
		}
	}
}

// deliver hands one event to the subscriber. It returns false once the
// subscriber has been removed or the worker must stop.
func (r *Registry) deliver(ctx context.Context, e *entry, ev notification.Event) bool {
	key := ev.Record.Identity.Key()
	if ev.Kind != notification.EventCanceled && r.gate != nil && r.gate.CanceledSince(key, ev.Record.Version) {
		e.mu.Lock()
		e.skipped++
		e.mu.Unlock()
		r.log.Debug("skipping stale event", logx.String("token", e.token), logx.String("key", string(key)), logx.Uint64("version", ev.Record.Version))
		return true
	}

	attempts := 1 + r.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return false
			}
		}
		err := r.call(ctx, e, ev)
		if err == nil {
			e.mu.Lock()
			e.delivered++
			e.failures = 0
			e.mu.Unlock()
			return true
		}
		if errors.Is(err, ErrSubscriberGone) {
			r.remove(e.token, "gone")
			return false
		}
		lastErr = err
		r.log.Debug("delivery failed", logx.String("token", e.token), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(r.cfg, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-e.done:
			t.Stop()
			return false
		case <-t.C:
		}
	}

	e.mu.Lock()
	e.failed++
	e.failures++
	failures := e.failures
	e.mu.Unlock()
	r.log.Warn("delivery gave up",
		logx.String("token", e.token),
		logx.String("key", string(key)),
		logx.String("kind", ev.Kind.String()),
		logx.Int("consecutive", failures),
		logx.Err(lastErr),
	)
	if failures >= r.cfg.MaxFailures {
		r.remove(e.token, "too many failures")
		return false
	}
	return true
}

// call runs the subscriber callback with a deadline. A panic counts as a
// failed attempt.
func (r *Registry) call(ctx context.Context, e *entry, ev notification.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("subscriber panicked", logx.String("token", e.token), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("subscriber panic: %v", p)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()
	return e.sub.OnEvent(cctx, ev)
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay with 0.7..1.3
// jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
