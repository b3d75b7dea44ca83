// Package runner executes one wake cycle: load and validate the configuration,
// evaluate every task in document order, run the due ones, and persist the
// resulting state after each task.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autobackup/internal/backup"
	"autobackup/internal/config"
	"autobackup/internal/notify"
	"autobackup/internal/schedule"
	"autobackup/internal/storage"
	logx "autobackup/pkg/logx"

	"github.com/dustin/go-humanize"
)

// Notifier receives cycle errors and task failures.
type Notifier interface {
	Apply(dir string)
	Notify(reason string) error
}

type nopNotifier struct{}

func (nopNotifier) Apply(string)        {}
func (nopNotifier) Notify(string) error { return nil }

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Wakeup    time.Duration

	Tasks      int
	NotDue     int
	Disabled   int
	FirstTouch int
	Throttled  int
	Succeeded  int
	Failed     int
}

// Summary renders the report for logs and the systemd status line.
func (r CycleReport) Summary() string {
	return fmt.Sprintf("tasks=%d ok=%d failed=%d first_touch=%d throttled=%d not_due=%d",
		r.Tasks, r.Succeeded, r.Failed, r.FirstTouch, r.Throttled, r.NotDue)
}

type Runner struct {
	cfg *config.ConfigManager
	log logx.Logger

	logs    *logx.Service
	logBase logx.Config

	notifier Notifier
	execOpts []backup.Option
	now      func() time.Time

	// One cycle at a time; the store follows the latest history config.
	mu        sync.Mutex
	store     storage.Store
	storeConf config.HistoryConfig
}

type Option func(*Runner)

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

// WithLogService lets the runner apply common.log_level and common.log_dir
// on top of base each cycle.
func WithLogService(svc *logx.Service, base logx.Config) Option {
	return func(r *Runner) {
		r.logs = svc
		r.logBase = base
	}
}

func WithNotifier(n Notifier) Option {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithExecutorOptions is passed to every backup.Executor the runner creates.
func WithExecutorOptions(opts ...backup.Option) Option {
	return func(r *Runner) { r.execOpts = append(r.execOpts, opts...) }
}

func WithClock(fn func() time.Time) Option {
	return func(r *Runner) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithStore installs a history store up front. The runner still replaces it
// when common.history changes.
func WithStore(st storage.Store, hc config.HistoryConfig) Option {
	return func(r *Runner) {
		r.store = st
		r.storeConf = hc
	}
}

func New(cm *config.ConfigManager, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cm,
		log:      logx.Nop(),
		notifier: nopNotifier{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Close releases the history store.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}

// Store returns the current history store, or nil when history is disabled.
func (r *Runner) Store() storage.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store
}

// RunCycle runs one wake cycle. A configuration error aborts the cycle before
// any task is evaluated; task failures never do.
func (r *Runner) RunCycle(ctx context.Context) (CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := CycleReport{StartedAt: r.now()}
	r.log.Info("wake cycle started", logx.String("config", r.cfg.Path()))

	doc, snap, err := r.cfg.Load()
	if err != nil {
		r.log.Error("config invalid; cycle aborted", logx.Err(err))
		if nerr := r.notifier.Notify(err.Error()); nerr != nil && !errors.Is(nerr, notify.ErrRateLimited) {
			r.log.Warn("notification failed", logx.Err(nerr))
		}
		rep.Duration = time.Since(rep.StartedAt)
		return rep, err
	}

	g := snap.Globals
	rep.Wakeup = g.WakeupInterval
	r.applyGlobals(g)
	exec := backup.New(r.log, g.ZipChunkSize, r.execOpts...)

	for _, nt := range snap.Tasks {
		if ctx.Err() != nil {
			r.log.Warn("wake cycle interrupted", logx.Err(ctx.Err()))
			break
		}
		rep.Tasks++
		r.runTask(ctx, doc, g, nt, exec, &rep)
		// Saved after every task so a crash mid-cycle keeps earlier results.
		if err := r.cfg.Save(doc); err != nil {
			r.log.Error("config save failed", logx.String("task", nt.Name), logx.Err(err))
		}
	}

	rep.Duration = time.Since(rep.StartedAt)
	r.log.Info("wake cycle finished",
		logx.String("summary", rep.Summary()),
		logx.Duration("took", rep.Duration),
		logx.Duration("next_in", g.WakeupInterval),
	)
	return rep, ctx.Err()
}

func (r *Runner) applyGlobals(g config.Globals) {
	if r.logs != nil {
		lc := r.logBase
		lc.Level = g.LogLevel
		if lc.File.Enabled && strings.TrimSpace(lc.File.Path) == "" {
			lc.File.Dir = g.LogDir
		}
		r.logs.Apply(lc)
	}
	r.notifier.Apply(g.ExceptionNotificationPath)

	if g.History == r.storeConf && (r.store != nil || g.History.Driver == "" || g.History.Driver == "none") {
		return
	}
	if r.store != nil {
		_ = r.store.Close()
		r.store = nil
	}
	r.storeConf = g.History
	st, err := storage.Open(storage.Config{Driver: g.History.Driver, Path: g.History.Path}, r.log)
	if err != nil {
		r.log.Warn("history store unavailable", logx.String("driver", g.History.Driver), logx.Err(err))
		return
	}
	r.store = st
}

// runTask evaluates and, when due, executes one task, applying the resulting
// state to doc.
func (r *Runner) runTask(ctx context.Context, doc *config.Document, g config.Globals, nt config.NamedTask, exec *backup.Executor, rep *CycleReport) {
	name := nt.Name
	log := r.log.With(logx.String("task", name))
	rt := nt.Task.Resolve(g)
	if rt.LastBackupInvalid {
		log.Warn("last_backup_time unparseable; treating as never run", logx.String("value", nt.Task.LastBackupTime))
	}

	now := r.now()
	d := schedule.Evaluate(name, rt, g, now)

	rec := storage.RunRecord{
		Task:      name,
		StartedAt: now,
		Method:    string(rt.Method),
		Pattern:   string(rt.Pattern),
		Decision:  d.Kind.String(),
		Reason:    d.Reason,
		FailCount: rt.FailCount,
	}

	switch {
	case d.Touch:
		doc.SetString(name, "last_backup_time", config.FormatBackupTime(now))
		if d.Kind == schedule.KindThrottled {
			rep.Throttled++
			rec.Status = storage.StatusThrottled
			log.Warn("backup throttled after repeated failures; last_backup_time advanced",
				logx.Int("fail_count", rt.FailCount),
				logx.Duration("elapsed", d.Elapsed),
				logx.Duration("floor", d.Threshold),
			)
		} else {
			rep.FirstTouch++
			rec.Status = storage.StatusFirstTouch
			log.Warn("no previous backup; recording current time and skipping this cycle")
		}
		r.record(ctx, rec)

	case d.Due:
		log.Info("backup due",
			logx.String("last_backup", config.FormatBackupTime(rt.LastBackup)),
			logx.Duration("elapsed", d.Elapsed),
			logx.String("frequency", rt.Frequency.String()),
		)
		out := exec.Execute(name, rt)
		rec.Duration = out.Duration
		rec.Artifact = out.Artifact
		rec.Files = out.Files
		rec.Bytes = out.Bytes
		if out.OK() {
			rep.Succeeded++
			doc.SetString(name, "last_backup_time", config.FormatBackupTime(r.now()))
			if rt.FailCount > 0 {
				log.Info("backup succeeded; failure count cleared", logx.Int("previous_fail_count", rt.FailCount))
			}
			doc.SetInt(name, "fail_count", 0)
			rec.Status = storage.StatusSuccess
			rec.FailCount = 0
			rec.Reason = "backed up " + humanize.IBytes(uint64(out.Bytes))
		} else {
			rep.Failed++
			fails := rt.FailCount + 1
			doc.SetInt(name, "fail_count", int64(fails))
			rec.Status = storage.StatusFailure
			rec.FailCount = fails
			rec.Reason = out.Reason
			if fails >= schedule.FailThreshold {
				log.Warn("repeated backup failures; retries held to the escalation floor",
					logx.Int("fail_count", fails),
					logx.Duration("floor", schedule.EscalationFloor),
				)
			} else {
				log.Info("backup failed; last_backup_time unchanged", logx.Int("fail_count", fails))
			}
			if err := r.notifier.Notify(out.Reason); err != nil && !errors.Is(err, notify.ErrRateLimited) {
				log.Warn("notification failed", logx.Err(err))
			}
		}
		r.record(ctx, rec)

	default:
		switch d.Kind {
		case schedule.KindNotDue:
			rep.NotDue++
		case schedule.KindDisabled:
			rep.Disabled++
		}
		log.Debug("task skipped", logx.String("decision", d.Kind.String()), logx.String("reason", d.Reason))
	}
}

func (r *Runner) record(ctx context.Context, rec storage.RunRecord) {
	if r.store == nil {
		return
	}
	if err := r.store.AppendRun(ctx, rec); err != nil {
		r.log.Warn("history append failed", logx.String("task", rec.Task), logx.Err(err))
	}
}

