package broker

import (
	"context"

	"notifd/internal/notification"
	"notifd/internal/record"
	"notifd/pkg/logx"
)

// ApplyRemote injects a record accepted by reconciliation. It flows through
// the filter chain and fan-out like a local publish but is not pushed back.
func (b *Broker) ApplyRemote(ctx context.Context, rec *notification.Record) error {
	key := rec.Identity.Key()
	unlock := b.locks.Lock(key)
	defer unlock()

	status, stored, err := b.store.ApplyRemote(ctx, rec)
	if err != nil {
		return err
	}
	b.deferred.Drop(key)
	delivery, _ := b.deliverLocked(ctx, stored)
	b.log.Debug("remote record applied",
		logx.String("key", string(key)),
		logx.String("origin", stored.Origin),
		logx.String("status", status.String()),
		logx.String("delivery", delivery.String()),
	)
	return nil
}

// CancelRemote applies a remote tombstone.
func (b *Broker) CancelRemote(ctx context.Context, id notification.Identity, version uint64) error {
	key := id.Key()
	unlock := b.locks.Lock(key)
	b.deferred.Drop(key)
	rec, err := b.store.CancelRemote(ctx, id, version)
	if err != nil {
		unlock()
		return err
	}
	b.canceledLocked(rec, notification.ReasonRemote, false)
	unlock()
	b.afterCancel(ctx, rec)
	return nil
}

// RemoveOrigin cancels every record that came from device.
func (b *Broker) RemoveOrigin(ctx context.Context, device string) int {
	n, err := b.cancelMatching(ctx, record.FromDevice(device), notification.ReasonDeviceOffline, false)
	if err != nil {
		b.log.Warn("remove device records incomplete", logx.String("peer", device), logx.Err(err))
	}
	return n
}
