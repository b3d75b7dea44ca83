// Package app wires the backup daemon: a cron wake loop driving runner cycles,
// a configuration watcher, systemd notifications and the run log.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"autobackup/internal/config"
	"autobackup/internal/notify"
	"autobackup/internal/runner"
	"autobackup/internal/runtime/supervisor"
	logx "autobackup/pkg/logx"
	"autobackup/pkg/systemd"

	"github.com/robfig/cron/v3"
)

type App struct {
	cfgPath string

	cfgm   *config.ConfigManager
	sup    *supervisor.Supervisor
	log    logx.Logger
	logs   *logx.Service
	mirror *notify.Mirror
	runner *runner.Runner
	sd     *systemd.Notifier

	cycle cron.Job

	mu    sync.Mutex
	cron  *cron.Cron
	entry cron.EntryID
	every time.Duration
}

type Option func(*options)

type options struct {
	runnerOpts []runner.Option
	console    bool
}

// WithRunnerOptions is forwarded to runner.New after the app's own options.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(o *options) { o.runnerOpts = append(o.runnerOpts, opts...) }
}

// WithConsole toggles the console log sink. The default is on.
func WithConsole(on bool) Option { return func(o *options) { o.console = on } }

// NewApp prepares the daemon. An invalid configuration does not fail here:
// the first cycle reports it the way every later cycle would.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{console: true}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	g := defaultGlobals()
	_, snap, loadErr := cfgm.Load()
	if snap != nil {
		g = snap.Globals
	}

	baseLogCfg := logx.Config{
		Level:   g.LogLevel,
		Console: o.console,
		File: logx.FileConfig{
			Enabled: true,
			Dir:     g.LogDir,
		},
	}
	logSvc, root := logx.New(baseLogCfg)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	if loadErr != nil {
		var ce *config.ConfigError
		if !errors.As(loadErr, &ce) {
			_ = logSvc.Close()
			return nil, loadErr
		}
		log.Warn("config invalid at startup; cycles will report it until fixed", logx.Err(loadErr))
	}

	mirror := notify.New(root.With(logx.String("comp", "notify")), logSvc.FilePath)
	mirror.Apply(g.ExceptionNotificationPath)

	ropts := []runner.Option{
		runner.WithLogger(root.With(logx.String("comp", "runner"))),
		runner.WithLogService(logSvc, baseLogCfg),
		runner.WithNotifier(mirror),
	}
	ropts = append(ropts, o.runnerOpts...)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		mirror:  mirror,
		runner:  runner.New(cfgm, ropts...),
		sd:      systemd.New(root.With(logx.String("comp", "systemd"))),
		every:   g.WakeupInterval,
	}
	a.cycle = cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: root.With(logx.String("comp", "cron"))})).
		Then(cron.FuncJob(a.runCycle))
	return a, nil
}

func defaultGlobals() config.Globals {
	return config.Globals{
		WakeupInterval: config.DefaultWakeupInterval,
		LogLevel:       config.DefaultLogLevel,
		LogDir:         config.DefaultLogDir,
	}
}

func (a *App) Logger() logx.Logger { return a.log }

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app's context ends, by signal or by a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Start runs the first cycle in the background and arms the wake schedule.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.mu.Lock()
	a.cron = cron.New(cron.WithLogger(cronLogger{log: a.log.With(logx.String("comp", "cron"))}))
	a.entry = a.cron.Schedule(cron.Every(a.every), a.cycle)
	a.cron.Start()
	a.mu.Unlock()

	a.sup.Go("cycle.startup", func(context.Context) error {
		a.cycle.Run()
		return nil
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case u, ok := <-sub:
				if !ok {
					return nil
				}
				a.onConfigUpdate(u)
			}
		}
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			t := time.NewTicker(iv)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return nil
				case <-t.C:
					a.sd.Watchdog()
				}
			}
		})
	}

	if a.sd.Ready() {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("daemon started",
		logx.String("config", a.cfgPath),
		logx.Duration("wakeup", a.every),
		logx.String("log_file", a.logs.FilePath()),
	)
	return nil
}

// Stop waits for a running cycle to finish its current task, then releases
// the history store and the run log.
func (a *App) Stop(ctx context.Context) error {
	a.sd.Stopping()
	a.log.Info("daemon stopping")

	a.mu.Lock()
	c := a.cron
	a.mu.Unlock()

	var err error
	if a.sup != nil {
		a.sup.Cancel()
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if a.sup != nil {
		if werr := a.sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}
	if cerr := a.runner.Close(); cerr != nil {
		a.log.Warn("history store close failed", logx.Err(cerr))
	}
	a.log.Info("daemon stopped")
	_ = a.logs.Close()
	return err
}

// RunOnce runs a single cycle without the wake loop and releases resources.
func (a *App) RunOnce(ctx context.Context) (runner.CycleReport, error) {
	defer func() {
		if err := a.runner.Close(); err != nil {
			a.log.Warn("history store close failed", logx.Err(err))
		}
		_ = a.logs.Close()
	}()
	return a.runner.RunCycle(ctx)
}

func (a *App) runCycle() {
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	if ctx.Err() != nil {
		return
	}
	rep, err := a.runner.RunCycle(ctx)
	switch {
	case err == nil:
		a.sd.Status(rep.Summary())
	case errors.Is(err, context.Canceled):
		a.sd.Status("interrupted: " + rep.Summary())
	default:
		a.sd.Status("config error: " + err.Error())
	}
	if rep.Wakeup > 0 {
		a.reschedule(rep.Wakeup)
	}
}

func (a *App) onConfigUpdate(u config.Update) {
	if u.Err != nil {
		a.log.Warn("config edit rejected; keeping previous settings", logx.Err(u.Err))
		if err := a.mirror.Notify(u.Err.Error()); err != nil && !errors.Is(err, notify.ErrRateLimited) {
			a.log.Warn("notification failed", logx.Err(err))
		}
		return
	}
	if u.Snapshot == nil {
		return
	}
	g := u.Snapshot.Globals
	a.logs.SetLevel(g.LogLevel)
	a.mirror.Apply(g.ExceptionNotificationPath)
	a.log.Info("config reloaded", logx.Int("tasks", len(u.Snapshot.Tasks)))
	a.reschedule(g.WakeupInterval)
}

// reschedule re-registers the wake entry when the interval changed. The same
// wrapped job is reused so cycles stay sequential across the swap.
func (a *App) reschedule(every time.Duration) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if every <= 0 || every == a.every {
		return false
	}
	prev := a.every
	a.every = every
	if a.cron == nil {
		return true
	}
	a.cron.Remove(a.entry)
	a.entry = a.cron.Schedule(cron.Every(every), a.cycle)
	a.log.Info("wake interval changed",
		logx.Duration("from", prev),
		logx.Duration("to", every),
		logx.Time("next", a.cron.Entry(a.entry).Next),
	)
	return true
}

// Interval returns the current wake interval.
func (a *App) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.every
}
