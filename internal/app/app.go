// Package app wires the notification service together: config, logging,
// storage, the record store, filters, fan-out, reminders, cross-device sync
// and the debug server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifd/internal/broker"
	"notifd/internal/config"
	"notifd/internal/distributed"
	"notifd/internal/eventbus"
	"notifd/internal/filter"
	"notifd/internal/identity"
	"notifd/internal/launch"
	"notifd/internal/notification"
	"notifd/internal/observability/debug"
	"notifd/internal/record"
	"notifd/internal/reminder"
	rtsup "notifd/internal/runtime/supervisor"
	"notifd/internal/storage"
	"notifd/internal/subscriber"
	"notifd/pkg/logx"
)

type Option func(*options)

type options struct {
	repl  distributed.Replicator
	timer reminder.Timer
	now   func() time.Time
}

// WithReplicator replaces the in-process sync hub with an external
// replication service. Only used when sync is enabled.
func WithReplicator(r distributed.Replicator) Option {
	return func(o *options) { o.repl = r }
}

// WithTimer replaces the wall-clock reminder timer.
func WithTimer(t reminder.Timer) Option {
	return func(o *options) { o.timer = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	history *eventbus.History
	store   storage.Store

	deviceID string
	ident    *identity.Static
	records  *record.Store
	fanout   *subscriber.Registry
	sched    *reminder.Scheduler
	broker   *broker.Broker
	sync     *distributed.Reconciler
	debug    *debug.Service
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := checkRuntime(cfg); err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(mapLogging(cfg), busAlerts{bus: bus})
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		history: eventbus.NewHistory(512),
	}
	if err := a.build(cfg, o); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, o options) error {
	ctx := context.Background()
	base := a.logs.Logger()

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(sc, base.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	id, generated, err := resolveDeviceID(ctx, cfg.Device.ID, a.store)
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	a.deviceID = id
	if generated {
		a.log.Info("device id generated", logx.String("device", id), logx.Bool("persisted", a.store != nil))
	}

	loc, err := loadLocation(cfg)
	if err != nil {
		return err
	}
	slots, err := mapSlots(cfg)
	if err != nil {
		return err
	}
	policy, err := mapDisturb(cfg)
	if err != nil {
		return err
	}

	a.ident = identity.NewStatic(mapTokens(cfg), cfg.Identity.SystemUIDs)
	a.records = record.New(record.Config{
		Log:        base,
		Persist:    a.store,
		Authorizer: a.ident,
		Launch:     launch.CodecResolver{},
		Now:        o.now,
		Slots:      slots,
	})
	a.records.ReplaceSharing(mapSharing(cfg))

	disturb := filter.NewDisturbFilter(a.records, loc, o.now)
	if err := disturb.SetPolicy(policy); err != nil {
		return err
	}
	ratelimit := filter.NewRateLimitFilter(cfg.RateLimit.Enabled, cfg.RateLimit.PerBundleRPS, cfg.RateLimit.Burst)
	chain := filter.NewChain(base,
		filter.SlotFilter{Slots: a.records},
		filter.PermissionFilter{Bundles: a.records},
		filter.EchoFilter{DeviceID: id},
		ratelimit,
		disturb,
	)

	a.fanout = subscriber.New(mapFanout(cfg), subscriber.Options{Log: base, Bus: a.bus, Gate: a.records, Now: o.now})
	a.sched = reminder.New(mapReminder(cfg), reminder.Options{
		Log:      base,
		Bus:      a.bus,
		Store:    a.store,
		Timer:    o.timer,
		Now:      o.now,
		Location: loc,
	})

	a.broker, err = broker.New(broker.Options{
		Log:       base,
		Bus:       a.bus,
		Store:     a.records,
		Chain:     chain,
		Disturb:   disturb,
		RateLimit: ratelimit,
		Fanout:    a.fanout,
		Reminders: a.sched,
		Now:       o.now,
	})
	if err != nil {
		return err
	}

	if cfg.Sync.Enabled {
		repl := o.repl
		if repl == nil {
			repl = distributed.NewHub().Endpoint()
			a.log.Info("sync uses the in-process hub")
		}
		a.sync, err = distributed.New(mapSync(cfg, id), distributed.Options{
			Log:     base,
			Bus:     a.bus,
			Repl:    repl,
			Applier: a.broker,
			Sharing: a.records,
			Now:     o.now,
		})
		if err != nil {
			return err
		}
		a.broker.SetReplication(a.sync)
	}

	a.debug = debug.New(mapDebug(cfg), func() any { return a.State() }, base)
	return nil
}

// Broker is the service surface used by bindings.
func (a *App) Broker() *broker.Broker { return a.broker }

func (a *App) Identity() identity.Resolver { return a.ident }

func (a *App) DeviceID() string { return a.deviceID }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start restores persisted records and brings every component up. A corrupt
// record index fails the start.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkRuntime(cfg)
	})

	restored, skipped, err := a.records.Restore(ctx)
	if err != nil {
		a.sup.Cancel()
		if errors.Is(err, notification.ErrIndexCorrupt) {
			a.log.Error("record index corrupt; refusing to start", logx.Err(err))
		}
		return fmt.Errorf("restore records: %w", err)
	}
	if restored > 0 || skipped > 0 {
		a.log.Info("records restored", logx.Int("restored", restored), logx.Int("skipped", skipped))
	}

	a.sup.Go0("eventbus.history", func(c context.Context) { a.history.Follow(c, a.bus) })

	if err := a.broker.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return err
	}
	a.debug.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("device", a.deviceID), logx.Bool("sync", a.sync != nil))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		if err := fn(stepCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step slow", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("broker", 4*time.Second, a.broker.Stop)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// State is the diagnostics snapshot served by the debug server.
type State struct {
	DeviceID    string                    `json:"device_id"`
	Records     int                       `json:"records"`
	Deferred    int                       `json:"deferred"`
	Reminders   int                       `json:"reminders"`
	Slots       []notification.Slot       `json:"slots"`
	Subscribers []subscriber.Stats        `json:"subscribers"`
	Sync        *distributed.Stats        `json:"sync,omitempty"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
	EventsTotal uint64                    `json:"events_total"`
	Events      []eventbus.Event          `json:"events"`
}

func (a *App) State() State {
	st := State{
		DeviceID:    a.deviceID,
		Records:     a.records.Len(),
		Deferred:    a.broker.DeferredLen(),
		Reminders:   a.sched.Len(),
		Slots:       a.broker.Slots(),
		Subscribers: a.broker.Subscribers(),
		Supervisors: map[string]rtsup.Snapshot{},
		EventsTotal: a.history.Total(),
		Events:      a.history.Events(),
	}
	if a.sync != nil {
		s := a.sync.Stats()
		st.Sync = &s
	}
	sups := map[string]*rtsup.Supervisor{
		"app":    a.sup,
		"broker": a.broker.Supervisor(),
		"fanout": a.fanout.Supervisor(),
		"debug":  a.debug.Supervisor(),
	}
	if a.sync != nil {
		sups["sync"] = a.sync.Supervisor()
	}
	for name, sup := range sups {
		if sup != nil {
			st.Supervisors[name] = sup.Snapshot()
		}
	}
	return st
}

// busAlerts forwards high-severity log lines onto the event bus.
type busAlerts struct{ bus eventbus.Bus }

func (s busAlerts) Emit(level, msg string, fields map[string]any) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeLogAlert, Data: map[string]any{
		"level":  level,
		"msg":    msg,
		"fields": fields,
	}})
}

// Check loads and validates cfgPath without starting anything.
func Check(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	if err := checkRuntime(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
