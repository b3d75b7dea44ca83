package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManagerLoadWritesDefaultWhenMissing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	m := NewConfigManager(path)

	_, snap, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default not written: %v", err)
	}
	if string(b) != DefaultDocument {
		t.Fatalf("unexpected default content:\n%s", b)
	}
	if m.Get() != snap || len(snap.Tasks) != 0 {
		t.Fatalf("snapshot not committed or has tasks: %+v", snap)
	}
}

func TestManagerLoadSavesDefaultedKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("common:\n  global_destination: /b\n  global_frequency: daily\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "wakeup_frequency: 7200") {
		t.Fatalf("defaults not saved:\n%s", b)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode changed to %v", st.Mode().Perm())
	}
}

func TestManagerWriteDefaultKeepsExistingUnlessForced(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("common: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if err := m.WriteDefault(false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := m.WriteDefault(true); err != nil {
		t.Fatalf("WriteDefault(force): %v", err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != DefaultDocument {
		t.Fatalf("forced write did not replace file")
	}
}

func TestManagerReloadSkipsOwnWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(baseCommon+"t:\n  source_directory: /x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	doc, _, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	doc.SetInt("t", "fail_count", 1)
	if err := m.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m.reload()
	select {
	case u := <-ch:
		t.Fatalf("own write published: %+v", u)
	default:
	}

	// External edit: valid.
	if err := os.WriteFile(path, []byte(baseCommon+"t:\n  source_directory: /y\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload()
	select {
	case u := <-ch:
		if u.Err != nil || u.Snapshot == nil || u.Snapshot.Tasks[0].Task.SourceDirectory != "/y" {
			t.Fatalf("unexpected update: %+v", u)
		}
	default:
		t.Fatalf("external edit not published")
	}

	// External edit: invalid.
	if err := os.WriteFile(path, []byte("common:\n  global_frequency: daily\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload()
	select {
	case u := <-ch:
		if !errors.Is(u.Err, ErrInvalid) || u.Snapshot != nil {
			t.Fatalf("expected invalid update, got %+v", u)
		}
	default:
		t.Fatalf("invalid edit not published")
	}
	if got := m.Get().Tasks[0].Task.SourceDirectory; got != "/y" {
		t.Fatalf("invalid edit must not replace committed snapshot, got %q", got)
	}
}
