package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "autobackup/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// Update is published by Watch after an external edit. Exactly one of
// Snapshot and Err is set.
type Update struct {
	Snapshot *Snapshot
	Err      error
}

// ConfigManager owns the configuration file: load, save and watch.
//
// The runner is the single writer. Saves record the content hash so Watch
// does not report the process's own rewrites as external edits.
type ConfigManager struct {
	path string

	mu   sync.RWMutex
	doc  *Document
	snap *Snapshot

	// lastHash is the hash of the content last read or written by this process.
	lastHash uint64

	// subsMu guards subscriber list and ensures we never send on a channel
	// that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan Update

	log logx.Logger
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path}
}

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

func (m *ConfigManager) Path() string { return m.path }

// Parse reads and validates the file without committing it.
func (m *ConfigManager) Parse() (*Document, *Snapshot, uint64, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, nil, 0, err
	}
	doc, err := ParseDocument(b)
	if err != nil {
		return nil, nil, 0, withPath(err, m.path)
	}
	snap, err := Build(doc)
	if err != nil {
		return doc, nil, hashBytes(b), err
	}
	return doc, snap, hashBytes(b), nil
}

// Load reads the file, writing DefaultDocument first when it is missing.
// Missing common defaults are filled in and saved back with a warning.
func (m *ConfigManager) Load() (*Document, *Snapshot, error) {
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		m.log.Warn("config file not found; writing default", logx.String("path", m.path))
		if err := m.WriteDefault(false); err != nil {
			return nil, nil, err
		}
	}

	doc, snap, h, err := m.Parse()
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	m.lastHash = h
	m.mu.Unlock()

	if len(snap.Defaulted) > 0 {
		for _, k := range snap.Defaulted {
			m.log.Warn("config key missing; default written back", logx.String("key", SectionCommon+"."+k))
		}
		if err := m.Save(doc); err != nil {
			return nil, nil, err
		}
	}

	m.Commit(doc, snap)
	return doc, snap, nil
}

func (m *ConfigManager) Commit(doc *Document, snap *Snapshot) {
	m.mu.Lock()
	m.doc = doc
	m.snap = snap
	m.mu.Unlock()
}

// Get returns the last committed snapshot, or nil before the first Load.
func (m *ConfigManager) Get() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Save rewrites the whole document atomically (temp file + rename).
func (m *ConfigManager) Save(doc *Document) error {
	b, err := doc.Bytes()
	if err != nil {
		return fmt.Errorf("config encode: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := writeFileAtomic(m.path, b); err != nil {
		return err
	}
	m.lastHash = hashBytes(b)
	return nil
}

// WriteDefault writes DefaultDocument. An existing file is kept unless force.
func (m *ConfigManager) WriteDefault(force bool) error {
	if !force {
		if _, err := os.Stat(m.path); err == nil {
			return fmt.Errorf("config %s: %w", m.path, fs.ErrExist)
		}
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b := []byte(DefaultDocument)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := writeFileAtomic(m.path, b); err != nil {
		return err
	}
	m.lastHash = hashBytes(b)
	return nil
}

func writeFileAtomic(path string, b []byte) error {
	mode := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	_ = os.Chmod(tmpName, mode)
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func withPath(err error, path string) error {
	var ce *ConfigError
	if errors.As(err, &ce) && ce.Path == "" {
		ce.Path = path
	}
	return err
}

func (m *ConfigManager) Subscribe(buffer int) chan Update {
	ch := make(chan Update, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan Update) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *ConfigManager) publish(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest update; if the buffer is full drop ONE oldest item first.
		select {
		case ch <- u:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- u:
			default:
				m.log.Debug(
					"config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

// reload is the debounced handler behind Watch.
func (m *ConfigManager) reload() {
	b, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Mid-rename; the Create event that follows triggers another reload.
			return
		}
		m.log.Warn("config read failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashBytes(b)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	doc, err := ParseDocument(b)
	var snap *Snapshot
	if err == nil {
		snap, err = Build(doc)
	}
	m.mu.Lock()
	m.lastHash = h
	m.mu.Unlock()
	if err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		m.publish(Update{Err: withPath(err, m.path)})
		return
	}

	m.Commit(doc, snap)
	m.publish(Update{Snapshot: snap})
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

// Watch follows external edits of the file until ctx is done.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	// When fsnotify gets into a bad state (common on Windows + certain editors),
	// the watcher may stop delivering events or close its channels.
	// Self-heal by recreating the watcher with a small exponential backoff.
	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
		debounceDelay      = 250 * time.Millisecond
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		m.log.Debug("config change detected; scheduling reload", logx.String("path", m.path))
		timer = time.AfterFunc(debounceDelay, func() {
			if ctx.Err() != nil {
				return
			}
			m.reload()
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextWait()):
				continue
			}
		}

		backoff = restartBackoffBase
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.log.Warn("config watch overflow; forcing reload", logx.Err(err), logx.String("dir", dir))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		wait := nextWait()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.String("file", file),
			logx.Duration("backoff", wait),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
