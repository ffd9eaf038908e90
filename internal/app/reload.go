package app

import (
	"context"
	"slices"
	"strings"

	"notifd/internal/config"
	"notifd/internal/eventbus"
	"notifd/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: only the newest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig re-applies the hot sections of next. Sections that need a
// restart are only logged.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	changed, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	has := func(section string) bool { return slices.Contains(changed, section) }

	if has("logging") {
		a.logs.Apply(mapLogging(next))
	}
	if has("timezone") {
		if loc, err := loadLocation(next); err != nil {
			a.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		} else {
			a.broker.OnClockChange(ctx, loc)
		}
	}
	if has("slots") {
		if table, err := mapSlots(next); err != nil {
			a.log.Warn("invalid slots; keeping previous", logx.Err(err))
		} else if err := a.broker.ReplaceSlots(ctx, table); err != nil {
			a.log.Warn("slot table rejected", logx.Err(err))
		}
	}
	if has("disturb") {
		if p, err := mapDisturb(next); err != nil {
			a.log.Warn("invalid disturb policy; keeping previous", logx.Err(err))
		} else if err := a.broker.SetDisturbPolicy(ctx, p); err != nil {
			a.log.Warn("disturb policy rejected", logx.Err(err))
		}
	}
	if has("ratelimit") {
		a.broker.SetRateLimit(next.RateLimit.Enabled, next.RateLimit.PerBundleRPS, next.RateLimit.Burst)
	}
	if has("sharing") {
		a.broker.ReplaceSharing(mapSharing(next))
	}
	if has("identity") {
		a.ident.Reload(mapTokens(next), next.Identity.SystemUIDs)
	}
	if has("debug") {
		a.debug.Reconfigure(ctx, mapDebug(next))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: map[string]any{"changed": changed}})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)...)
}
