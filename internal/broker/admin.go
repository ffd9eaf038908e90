package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifd/internal/filter"
	"notifd/internal/notification"
	"notifd/internal/record"
	"notifd/internal/reminder"
	"notifd/internal/subscriber"
	"notifd/pkg/logx"
)

// SetSlot replaces one slot policy. Disabling a slot removes its records.
func (b *Broker) SetSlot(ctx context.Context, slot notification.Slot) error {
	if err := b.store.SetSlot(ctx, slot); err != nil {
		return err
	}
	if slot.Enabled {
		return nil
	}
	n, err := b.cancelMatching(ctx, record.Filter{Slot: slot.Type}, notification.ReasonSlotDisabled, true)
	b.log.Info("slot disabled", logx.String("slot", slot.Type.String()), logx.Int("removed", n))
	return err
}

// ReplaceSlots installs a whole slot table from configuration. Records on
// slots that end up disabled are removed.
func (b *Broker) ReplaceSlots(ctx context.Context, table map[notification.SlotType]notification.Slot) error {
	if err := b.store.ReplaceSlots(table); err != nil {
		return err
	}
	var errs []error
	for _, slot := range b.store.Slots() {
		if slot.Enabled {
			continue
		}
		n, err := b.cancelMatching(ctx, record.Filter{Slot: slot.Type}, notification.ReasonSlotDisabled, true)
		if n > 0 {
			b.log.Info("slot disabled", logx.String("slot", slot.Type.String()), logx.Int("removed", n))
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *Broker) Slots() []notification.Slot { return b.store.Slots() }

func (b *Broker) SetBundleEnabled(ctx context.Context, bundle string, enabled bool) {
	b.store.SetBundleEnabled(ctx, bundle, enabled)
}

// SetSharing switches replication of local records on or off. Records that
// become shared are pushed right away.
func (b *Broker) SetSharing(ctx context.Context, enabled bool) {
	b.store.SetSharing(ctx, enabled)
	b.pushLocal()
}

func (b *Broker) SetBundleSharing(ctx context.Context, owner notification.Caller, enabled bool) {
	b.store.SetBundleSharing(ctx, owner, enabled)
	b.pushLocal()
}

// ReplaceSharing installs the sharing switches from configuration.
func (b *Broker) ReplaceSharing(enabled bool, unshared []notification.Caller) {
	b.store.ReplaceSharing(enabled, unshared)
	b.pushLocal()
}

// pushLocal hands every local record to replication. Entries peers already
// hold are skipped there.
func (b *Broker) pushLocal() {
	r := b.replication()
	if r == nil {
		return
	}
	local := ""
	for _, rec := range b.store.List(record.Filter{Origin: &local}) {
		r.Push(rec)
	}
}

// SetDisturbPolicy swaps the do-not-disturb policy and re-runs every
// deferred record.
func (b *Broker) SetDisturbPolicy(ctx context.Context, p filter.DisturbPolicy) error {
	if b.disturb == nil {
		return fmt.Errorf("%w: no disturb filter installed", notification.ErrPolicy)
	}
	if err := b.disturb.SetPolicy(p); err != nil {
		return err
	}
	b.log.Info("disturb policy set", logx.String("mode", p.Mode.String()), logx.String("type", p.Type.String()), logx.String("action", p.Action.String()))
	b.reevaluate(ctx, true)
	return nil
}

func (b *Broker) SetRateLimit(enabled bool, perSecond float64, burst int) {
	if b.ratelimit != nil {
		b.ratelimit.Apply(enabled, perSecond, burst)
	}
}

func (b *Broker) Subscribe(sub subscriber.Subscriber, info subscriber.Info) (string, error) {
	return b.fanout.Subscribe(sub, info)
}

func (b *Broker) Unsubscribe(token string) error {
	return b.fanout.Unsubscribe(token)
}

func (b *Broker) Subscribers() []subscriber.Stats { return b.fanout.Subscribers() }

func (b *Broker) PublishReminder(ctx context.Context, owner notification.Caller, spec reminder.Spec) (reminder.Reminder, error) {
	if b.reminders == nil {
		return reminder.Reminder{}, fmt.Errorf("%w: reminders disabled", notification.ErrPolicy)
	}
	return b.reminders.Publish(ctx, owner, spec)
}

func (b *Broker) CancelReminder(ctx context.Context, owner notification.Caller, id int32) error {
	if b.reminders == nil {
		return fmt.Errorf("%w: reminder %d", notification.ErrNotFound, id)
	}
	return b.reminders.Cancel(ctx, owner, id)
}

func (b *Broker) SnoozeReminder(ctx context.Context, id int32) (reminder.Reminder, error) {
	if b.reminders == nil {
		return reminder.Reminder{}, fmt.Errorf("%w: reminder %d", notification.ErrNotFound, id)
	}
	return b.reminders.Snooze(ctx, id)
}

func (b *Broker) CloseReminder(ctx context.Context, id int32) (reminder.Reminder, error) {
	if b.reminders == nil {
		return reminder.Reminder{}, fmt.Errorf("%w: reminder %d", notification.ErrNotFound, id)
	}
	return b.reminders.Close(ctx, id)
}

func (b *Broker) Reminders(bundle string) []reminder.Reminder {
	if b.reminders == nil {
		return nil
	}
	return b.reminders.List(bundle)
}

func (b *Broker) DeferredLen() int { return b.deferred.Len() }

// OnClockChange handles a wall clock or time zone change: reminders are
// recomputed and do-not-disturb windows move to loc.
func (b *Broker) OnClockChange(ctx context.Context, loc *time.Location) {
	if b.disturb != nil {
		b.disturb.SetLocation(loc)
	}
	if b.reminders != nil {
		b.reminders.OnClockChange(ctx, loc)
	}
	b.reevaluate(ctx, true)
}
