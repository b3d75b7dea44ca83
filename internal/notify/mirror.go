// Package notify mirrors the current run log into the exception notification
// directory whenever a cycle hits a configuration error or a backup failure.
//
// The mirror is a plain file (<dir>/error.log) so an external tool (sync
// client, mail watcher) can pick it up; this package does no delivery itself.
package notify

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "autobackup/pkg/logx"

	"golang.org/x/time/rate"
)

// FileName is the mirror written inside the notification directory.
const FileName = "error.log"

const lineTimeLayout = "2006-01-02 15:04:05"

var ErrRateLimited = errors.New("notification rate limited")

// Mirror writes error.log. It is safe for concurrent use.
type Mirror struct {
	mu  sync.Mutex
	dir string

	logPath func() string
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time

	suppressed int
}

type Option func(*Mirror)

// WithLimiter replaces the default limiter (5 mirrors, refilled one per minute).
func WithLimiter(l *rate.Limiter) Option {
	return func(m *Mirror) {
		if l != nil {
			m.limiter = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Mirror) {
		if fn != nil {
			m.now = fn
		}
	}
}

// New creates a mirror. logPath returns the current run log file ("" if none).
func New(log logx.Logger, logPath func() string, opts ...Option) *Mirror {
	if log.IsZero() {
		log = logx.Nop()
	}
	if logPath == nil {
		logPath = func() string { return "" }
	}
	m := &Mirror{
		logPath: logPath,
		limiter: rate.NewLimiter(rate.Every(time.Minute), 5),
		log:     log,
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply sets the notification directory; "" disables mirroring.
func (m *Mirror) Apply(dir string) {
	m.mu.Lock()
	m.dir = strings.TrimSpace(dir)
	m.mu.Unlock()
}

func (m *Mirror) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir != ""
}

// Notify replaces <dir>/error.log with a copy of the run log followed by a
// timestamped reason line. It is a no-op when no directory is configured.
func (m *Mirror) Notify(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dir == "" {
		return nil
	}
	if !m.limiter.Allow() {
		m.suppressed++
		m.log.Warn("notification suppressed", logx.String("reason", reason), logx.Int("suppressed", m.suppressed))
		return ErrRateLimited
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("notify mkdir %s: %w", m.dir, err)
	}
	dst := filepath.Join(m.dir, FileName)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("notify open %s: %w", dst, err)
	}

	if src := m.logPath(); src != "" {
		if err := copyInto(f, src); err != nil {
			m.log.Warn("run log not mirrored", logx.String("path", src), logx.Err(err))
		}
	}

	line := fmt.Sprintf("[%s] %s\n", m.now().Format(lineTimeLayout), oneLine(reason))
	if m.suppressed > 0 {
		line = fmt.Sprintf("[%s] %d earlier notification(s) suppressed\n", m.now().Format(lineTimeLayout), m.suppressed) + line
		m.suppressed = 0
	}
	if _, err := io.WriteString(f, line); err != nil {
		_ = f.Close()
		return fmt.Errorf("notify write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("notify close %s: %w", dst, err)
	}
	m.log.Debug("notification mirrored", logx.String("path", dst))
	return nil
}

func copyInto(w io.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
