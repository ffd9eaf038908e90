package broker

import (
	"context"
	"errors"

	"notifd/internal/eventbus"
	"notifd/internal/filter"
	"notifd/internal/notification"
	"notifd/internal/record"
	"notifd/pkg/logx"
)

// Publish creates or updates a record and runs it through the filter
// chain. Suppress and Defer are reported on Result.Delivery, not as errors.
func (b *Broker) Publish(ctx context.Context, caller notification.Caller, req notification.Request) (notification.Result, error) {
	key := req.Identity(caller).Key()
	unlock := b.locks.Lock(key)
	defer unlock()

	res, rec, err := b.store.Publish(ctx, caller, req)
	if err != nil {
		b.log.Debug("publish rejected", logx.String("key", string(key)), logx.String("caller", caller.Bundle), logx.Err(err))
		b.publishEvent(eventbus.TypeNotifyRejected, map[string]any{"key": string(key), "reason": res.Reason})
		return res, err
	}
	// A newer publish replaces whatever was parked for the identity.
	b.deferred.Drop(key)
	if r := b.replication(); r != nil {
		r.Push(rec)
	}
	res.Delivery, res.Reason = b.deliverLocked(ctx, rec)
	return res, nil
}

// deliverLocked evaluates rec and acts on the verdict. The caller holds the
// identity lock.
func (b *Broker) deliverLocked(ctx context.Context, rec *notification.Record) (notification.Delivery, string) {
	kind := notification.EventPublished
	if rec.Delivered {
		kind = notification.EventUpdated
	}
	key := rec.Identity.Key()
	d := b.chain.Evaluate(ctx, rec)

	switch d.Verdict {
	case filter.Suppress:
		b.annotate(ctx, rec, false)
		b.log.Debug("record suppressed", logx.String("key", string(key)), logx.String("filter", d.Filter), logx.String("reason", d.Reason))
		b.publishEvent(eventbus.TypeNotifySuppressed, map[string]any{"key": string(key), "filter": d.Filter, "reason": d.Reason})
		return notification.DeliverySuppressed, d.Reason
	case filter.Defer:
		b.deferred.Park(rec, d.Until)
		b.log.Debug("record deferred", logx.String("key", string(key)), logx.String("filter", d.Filter), logx.Time("until", d.Until))
		b.publishEvent(eventbus.TypeNotifyDeferred, map[string]any{"key": string(key), "filter": d.Filter, "until": d.Until})
		return notification.DeliveryDeferred, d.Reason
	}

	b.annotate(ctx, rec, true)
	rec.Delivered = true
	n := b.fanout.Dispatch(notification.Event{Kind: kind, Record: rec})
	b.publishEvent(eventbus.TypeNotifyPublished, map[string]any{
		"key":         string(key),
		"kind":        kind.String(),
		"version":     rec.Version,
		"origin":      rec.Origin,
		"subscribers": n,
	})
	return notification.DeliveryAllowed, ""
}

func (b *Broker) annotate(ctx context.Context, rec *notification.Record, delivered bool) {
	if err := b.store.Annotate(ctx, rec.Identity, rec.Version, rec.Alert, delivered); err != nil {
		b.log.Warn("annotate record failed", logx.String("key", string(rec.Identity.Key())), logx.Err(err))
	}
}

// Cancel removes the record for id. Unknown identities are ErrNotFound.
func (b *Broker) Cancel(ctx context.Context, id notification.Identity, reason notification.CancelReason) error {
	rec, err := b.cancel(ctx, id, reason, true)
	if err != nil {
		return err
	}
	b.afterCancel(ctx, rec)
	return nil
}

func (b *Broker) cancel(ctx context.Context, id notification.Identity, reason notification.CancelReason, push bool) (*notification.Record, error) {
	key := id.Key()
	unlock := b.locks.Lock(key)
	defer unlock()

	b.deferred.Drop(key)
	rec, err := b.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	b.canceledLocked(rec, reason, push)
	return rec, nil
}

func (b *Broker) canceledLocked(rec *notification.Record, reason notification.CancelReason, push bool) {
	key := rec.Identity.Key()
	if push {
		if r := b.replication(); r != nil {
			r.Tombstone(key, rec.Version)
		}
	}
	b.fanout.Dispatch(notification.Event{Kind: notification.EventCanceled, Record: rec, Reason: reason})
	b.log.Debug("record canceled", logx.String("key", string(key)), logx.String("reason", reason.String()), logx.Uint64("version", rec.Version))
	b.publishEvent(eventbus.TypeNotifyCanceled, map[string]any{"key": string(key), "reason": reason.String(), "version": rec.Version})
}

// afterCancel runs outside the identity lock.
func (b *Broker) afterCancel(ctx context.Context, rec *notification.Record) {
	if rec.ReminderID != 0 && b.reminders != nil {
		b.reminders.OnRecordCanceled(ctx, rec.ReminderID)
	}
}

// CancelAll removes every record of bundle/uid and returns how many.
func (b *Broker) CancelAll(ctx context.Context, bundle string, uid int32) (int, error) {
	return b.cancelMatching(ctx, record.ForOwner(bundle, uid), notification.ReasonAppCancelAll, true)
}

// Uninstall cancels the reminders and records of bundle/uid.
func (b *Broker) Uninstall(ctx context.Context, bundle string, uid int32) (records, reminders int, err error) {
	if b.reminders != nil {
		reminders = b.reminders.CancelAll(ctx, bundle, uid)
	}
	records, err = b.cancelMatching(ctx, record.ForOwner(bundle, uid), notification.ReasonUninstall, true)
	return records, reminders, err
}

func (b *Broker) cancelMatching(ctx context.Context, f record.Filter, reason notification.CancelReason, push bool) (int, error) {
	var errs []error
	n := 0
	for _, rec := range b.store.List(f) {
		canceled, err := b.cancel(ctx, rec.Identity, reason, push)
		if errors.Is(err, notification.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.afterCancel(ctx, canceled)
		n++
	}
	return n, errors.Join(errs...)
}

func (b *Broker) Get(id notification.Identity) (*notification.Record, bool) {
	return b.store.Get(id)
}

func (b *Broker) List(f record.Filter) []*notification.Record {
	return b.store.List(f)
}

// Fire publishes a reminder firing on behalf of its owner.
func (b *Broker) Fire(ctx context.Context, owner notification.Caller, req notification.Request) (notification.Result, error) {
	return b.Publish(ctx, owner, req)
}

// Dismiss removes a reminder's notification.
func (b *Broker) Dismiss(ctx context.Context, id notification.Identity, reason notification.CancelReason) error {
	return b.Cancel(ctx, id, reason)
}
