package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pomobot/internal/config"
	"pomobot/internal/eventbus"
	"pomobot/internal/notifier"
	"pomobot/internal/observability/opsserver"
	"pomobot/internal/runtime/supervisor"
	"pomobot/internal/storage"
	"pomobot/internal/task/engine"
	"pomobot/internal/task/scheduler"
	"pomobot/internal/timer"
	kit "pomobot/internal/transport"
	telegram "pomobot/internal/transport/telegram/adapter"
	"pomobot/internal/transport/telegram/router"
	logx "pomobot/pkg/logx"
)

type Options struct {
	ConfigPath string
	// LogLevel overrides logging.level from config and environment.
	LogLevel string
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.SessionStore
	adapter *telegram.Adapter
	tasks   *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	timers  *timer.Engine
	cmdm    *router.CommandManager
	ops     *opsserver.Server

	started time.Time
	updates chan kit.Update
}

// Status is the JSON body served on the ops /status endpoint.
type Status struct {
	Uptime       string         `json:"uptime"`
	ActiveTimers int            `json:"active_timers"`
	Tasks        TaskStatus     `json:"tasks"`
	Notifier     notifier.Stats `json:"notifier"`
	Schedules    []ScheduleInfo `json:"schedules,omitempty"`
}

type ScheduleInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

type TaskStatus struct {
	Running   bool   `json:"running"`
	QueueLen  int    `json:"queue_len"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg, opts.LogLevel))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	tasks := engine.New(engCfg, log, bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log, bus)

	tcfg, err := mapTimerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	timers := timer.New(tcfg, store, notif, tasks,
		timer.WithLogger(log),
		timer.WithBus(bus),
	)

	plan, err := mapMaintenanceConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(plan.Scheduler, tasks, log)

	rcfg, err := mapRouterConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cmdm := router.NewCommandManager(rcfg, log, timers, notif, ad)
	cmdm.SetRegistry(cmdm.PomodoroCommands())

	a := &App{
		opts:    opts,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		tasks:   tasks,
		sched:   sched,
		notif:   notif,
		timers:  timers,
		cmdm:    cmdm,
		updates: make(chan kit.Update, 256),
	}
	a.scheduleMaintenance(plan)
	a.ops = opsserver.New(mapOpsConfig(cfg), func() any { return a.Status() }, log)

	appLog.Info("configured",
		logx.String("storage", sc.Driver),
		logx.Duration("work", tcfg.Work),
		logx.Duration("rest", tcfg.Rest),
		logx.Bool("repeat", tcfg.Repeat),
	)

	return a, nil
}

const maintenanceJob = "storage.maintenance"

// scheduleMaintenance registers (or removes) the storage housekeeping job.
func (a *App) scheduleMaintenance(plan maintenancePlan) {
	m, ok := a.store.(storage.Maintainer)
	if !ok || plan.Schedule == "" {
		if a.sched.Remove(maintenanceJob) {
			a.log.Info("storage maintenance disabled")
		}
		return
	}
	if err := a.sched.AddCron(maintenanceJob, plan.Schedule, plan.Timeout, m.Maintain); err != nil {
		a.log.Warn("storage maintenance not scheduled", logx.String("schedule", plan.Schedule), logx.Err(err))
		return
	}
	a.log.Debug("storage maintenance scheduled", logx.String("schedule", plan.Schedule))
}

// Status snapshots runtime counters for operators.
func (a *App) Status() Status {
	ts := a.tasks.Snapshot()
	st := Status{
		ActiveTimers: a.timers.Active(),
		Tasks: TaskStatus{
			Running:   ts.Running,
			QueueLen:  ts.QueueLen,
			InFlight:  ts.InFlight,
			Completed: ts.Completed,
			Failed:    ts.Failed,
			Dropped:   ts.Dropped,
		},
		Notifier: a.notif.Stats(),
	}
	for _, e := range a.sched.Entries() {
		st.Schedules = append(st.Schedules, ScheduleInfo{Name: e.Name, Spec: e.Spec, Next: e.Next})
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Truncate(time.Second).String()
	}
	return st
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()
	a.started = time.Now()

	// Delivery and execution first, so the first update already has somewhere to go.
	// Their lifetime ends in Stop, after ingress, so queued messages can drain.
	bg := context.WithoutCancel(ctx)
	a.tasks.Start(bg)
	a.notif.Start(bg)
	a.sched.Start()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}

	a.watchEvents()
	a.watchConfig()

	if err := a.ops.Start(run); err != nil {
		// Operator endpoints are optional; the bot keeps running without them.
		a.log.Warn("ops server not started", logx.Err(err))
	}

	a.log.Info("app started")
	return nil
}

// watchEvents logs bus traffic at debug level.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch d := e.Data.(type) {
				case timer.PhaseEvent:
					a.log.Debug("event", logx.String("type", e.Type), logx.Int64("chat_id", d.ChatID),
						logx.String("to", d.To.String()), logx.String("cause", d.Cause))
				case notifier.NotificationEvent:
					a.log.Debug("event", logx.String("type", e.Type), logx.Int64("chat_id", d.ChatID),
						logx.String("kind", d.Kind), logx.String("err", d.Error))
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})
}

// watchConfig applies hot reloads: durations, logging and notifier settings
// take effect live; the rest waits for a restart.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	a.logs.Apply(mapLoggingConfig(newCfg, a.opts.LogLevel))

	if tcfg, err := mapTimerConfig(newCfg); err != nil {
		a.log.Warn("invalid timer config; keeping previous", logx.Err(err))
	} else {
		a.timers.Apply(tcfg)
	}

	if plan, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(plan.Scheduler)
		a.scheduleMaintenance(plan)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: ingress, timers, executor, delivery, storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Ingress and pending deadlines are independent; wind them down together.
	var g errgroup.Group
	g.Go(func() error { return a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop) })
	g.Go(func() error { return a.step(ctx, "ops", 2*time.Second, a.ops.Stop) })
	g.Go(func() error {
		return a.step(ctx, "timers", time.Second, func(context.Context) error {
			a.timers.Close()
			return nil
		})
	})
	_ = g.Wait()

	a.sup.Cancel()

	_ = a.step(ctx, "scheduler", time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	_ = a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.tasks.Stop(c); return nil })
	_ = a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	_ = a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	_ = a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by limit and the caller's deadline.
// Errors are logged, never returned, so one component cannot stall the rest.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
	return nil
}
