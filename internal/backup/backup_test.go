package backup

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"autobackup/internal/config"
	logx "autobackup/pkg/logx"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
)

var fixedNow = time.Date(2024, 3, 4, 5, 6, 7, 0, time.Local)

func newTestExecutor(chunk config.ByteSize, opts ...Option) *Executor {
	base := []Option{
		WithFreeSpace(func(string) (uint64, error) { return 1 << 50, nil }),
		WithClock(func() time.Time { return fixedNow }),
	}
	return New(logx.Nop(), chunk, append(base, opts...)...)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func listTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(out)
	return out
}

func readZip(t *testing.T, path string) map[string][]byte {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer r.Close()
	out := map[string][]byte{}
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", f.Name, err)
		}
		if _, dup := out[f.Name]; dup {
			t.Fatalf("duplicate entry %s", f.Name)
		}
		out[f.Name] = b
	}
	return out
}

func task(src, dst string, method config.Method) config.ResolvedTask {
	return config.ResolvedTask{
		Source:      src,
		Destination: dst,
		Method:      method,
		Pattern:     config.PatternAll,
		OutputName:  "data",
	}
}

func TestMatcher(t *testing.T) {
	t.Parallel()

	m, err := NewMatcher([]string{"/cache/", "build/out", `logs\old`}, []string{`.*\.log$`, `tmp`})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}

	dirs := []struct {
		rel  string
		want bool
	}{
		{"cache", true},
		{"a/cache", true},
		{"a/cache/deeper", true},
		{"cachedir", false},
		{"mycache", false},
		{"build", false},
		{"build/out", true},
		{"x/build/out/y", true},
		{"build/other/out", false},
		{"logs/old", true},
	}
	for _, tc := range dirs {
		if got := m.DirExcluded(tc.rel); got != tc.want {
			t.Errorf("DirExcluded(%q)=%v want %v", tc.rel, got, tc.want)
		}
	}

	files := []struct {
		rel  string
		want bool
	}{
		{"a/y.log", true},
		{"a/y.log.gz", false},
		{"tmpfile", true},
		{"a/tmpfile", false}, // anchored at the start of the relative path
		{"cache/x.txt", true},
		{"a/x.txt", false},
	}
	for _, tc := range files {
		if got := m.FileExcluded(tc.rel); got != tc.want {
			t.Errorf("FileExcluded(%q)=%v want %v", tc.rel, got, tc.want)
		}
	}

	if _, err := NewMatcher(nil, []string{"(["}); err == nil {
		t.Fatalf("expected error for invalid regex")
	}
}

func TestExecuteExclusion(t *testing.T) {
	t.Parallel()

	for _, method := range []config.Method{config.MethodZip, config.MethodCopy} {
		method := method
		t.Run(string(method), func(t *testing.T) {
			t.Parallel()
			src := filepath.Join(t.TempDir(), "src")
			dst := filepath.Join(t.TempDir(), "dst")
			writeTree(t, src, map[string]string{"a/x.txt": "x", "a/y.log": "y", "b/z.txt": "z"})

			tk := task(src, dst, method)
			tk.ExcludeFileRegexes = []string{`.*\.log$`}
			tk.ExcludePaths = []string{"b"}

			out := newTestExecutor(config.DefaultZipChunkSize).Execute("t", tk)
			if !out.OK() {
				t.Fatalf("execute failed: %v", out.Err)
			}
			if out.Files != 1 {
				t.Fatalf("files=%d want 1", out.Files)
			}

			var got []string
			switch method {
			case config.MethodZip:
				if want := filepath.Join(dst, "data_2024-03-04_05-06-07.zip"); out.Artifact != want {
					t.Fatalf("artifact=%s want %s", out.Artifact, want)
				}
				for name := range readZip(t, out.Artifact) {
					got = append(got, name)
				}
			case config.MethodCopy:
				if want := filepath.Join(dst, "data_2024-03-04_05-06-07"); out.Artifact != want {
					t.Fatalf("artifact=%s want %s", out.Artifact, want)
				}
				got = listTree(t, out.Artifact)
			}
			if diff := cmp.Diff([]string{"a/x.txt"}, got); diff != "" {
				t.Fatalf("backed up files (-want +got):\n%s", diff)
			}
		})
	}
}

func TestZipChunkedRoundTrip(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()

	big := make([]byte, 10*1024+17)
	rand.New(rand.NewSource(1)).Read(big)
	if err := os.WriteFile(filepath.Join(src, "big.bin"), big, 0o644); err != nil {
		t.Fatal(err)
	}
	exact := bytes.Repeat([]byte("k"), 1024)
	if err := os.WriteFile(filepath.Join(src, "exact.bin"), exact, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "small.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := newTestExecutor(1024).Execute("t", task(src, dst, config.MethodZip))
	if !out.OK() {
		t.Fatalf("execute failed: %v", out.Err)
	}
	if out.Bytes != int64(len(big)+len(exact)+5) {
		t.Fatalf("bytes=%d", out.Bytes)
	}

	got := readZip(t, out.Artifact)
	if !bytes.Equal(got["big.bin"], big) {
		t.Fatalf("big.bin differs after round trip (len %d vs %d)", len(got["big.bin"]), len(big))
	}
	if !bytes.Equal(got["exact.bin"], exact) {
		t.Fatalf("exact.bin differs after round trip")
	}
	if string(got["small.txt"]) != "hello" {
		t.Fatalf("small.txt=%q", got["small.txt"])
	}
}

func TestZipSingleFileSource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "world.dat")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := newTestExecutor(config.DefaultZipChunkSize).Execute("t", task(src, filepath.Join(dir, "out"), config.MethodZip))
	if !out.OK() {
		t.Fatalf("execute failed: %v", out.Err)
	}
	got := readZip(t, out.Artifact)
	if len(got) != 1 || string(got["world.dat"]) != "payload" {
		t.Fatalf("unexpected archive content: %v", got)
	}
}

// A WalkDir traversal never yields the same relative path twice; the grouping
// is exercised directly.
func TestZipDuplicateNamesShareOneEntry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p1 := filepath.Join(dir, "one")
	p2 := filepath.Join(dir, "two")
	if err := os.WriteFile(p1, []byte("first-"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p2, bytes.Repeat([]byte("2"), 300), 0o644); err != nil {
		t.Fatal(err)
	}
	i1, _ := os.Stat(p1)
	i2, _ := os.Stat(p2)

	entries := groupEntries([]zipFile{
		{name: "same.txt", path: p1, info: i1},
		{name: "other.txt", path: p1, info: i1},
		{name: "same.txt", path: p2, info: i2},
	})
	if len(entries) != 2 || entries[0].name != "same.txt" || len(entries[0].sources) != 2 {
		t.Fatalf("unexpected grouping: %+v", entries)
	}

	archive := filepath.Join(dir, "dup.zip")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	cw := &chunkWriter{chunkSize: 100}
	for _, ent := range entries {
		if _, err := cw.writeEntry(zw, ent); err != nil {
			t.Fatalf("writeEntry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	got := readZip(t, archive)
	want := "first-" + string(bytes.Repeat([]byte("2"), 300))
	if string(got["same.txt"]) != want {
		t.Fatalf("same.txt=%q", got["same.txt"])
	}
}

func TestCopySingleFileAndMerge(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(src, []byte("v1"), 0o640); err != nil {
		t.Fatal(err)
	}
	mt := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := os.Chtimes(src, mt, mt); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "out")

	out := newTestExecutor(config.DefaultZipChunkSize).Execute("t", task(src, dst, config.MethodCopy))
	if !out.OK() {
		t.Fatalf("execute failed: %v", out.Err)
	}
	if want := filepath.Join(dst, "data_2024-03-04_05-06-07.txt"); out.Artifact != want {
		t.Fatalf("artifact=%s want %s", out.Artifact, want)
	}
	st, err := os.Stat(out.Artifact)
	if err != nil {
		t.Fatal(err)
	}
	if !st.ModTime().Equal(mt) {
		t.Fatalf("mtime=%v want %v", st.ModTime(), mt)
	}

	// Directory source: merge into an existing artifact directory.
	tree := filepath.Join(dir, "tree")
	writeTree(t, tree, map[string]string{"keep/a.txt": "new"})
	artifact := filepath.Join(dst, "data_2024-03-04_05-06-07")
	writeTree(t, artifact, map[string]string{"keep/a.txt": "old", "keep/extra.txt": "extra"})

	out = newTestExecutor(config.DefaultZipChunkSize).Execute("t", task(tree, dst, config.MethodCopy))
	if !out.OK() {
		t.Fatalf("execute failed: %v", out.Err)
	}
	if diff := cmp.Diff([]string{"keep/a.txt", "keep/extra.txt"}, listTree(t, artifact)); diff != "" {
		t.Fatalf("merge result (-want +got):\n%s", diff)
	}
	b, _ := os.ReadFile(filepath.Join(artifact, "keep", "a.txt"))
	if string(b) != "new" {
		t.Fatalf("existing file not overwritten: %q", b)
	}
}

func TestExecuteDiskGuard(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string]string{"f.txt": "x"})
	dst := filepath.Join(t.TempDir(), "dst")

	for _, method := range []config.Method{config.MethodCopy, config.MethodZip} {
		e := newTestExecutor(config.DefaultZipChunkSize,
			WithFreeSpace(func(string) (uint64, error) { return 9 << 30, nil }))
		out := e.Execute("t", task(src, dst, method))
		if out.OK() {
			t.Fatalf("%s: expected failure", method)
		}
		if !errors.Is(out.Err, ErrInsufficientSpace) {
			t.Fatalf("%s: err=%v want ErrInsufficientSpace", method, out.Err)
		}
		if Op(out.Err) != "free_space" {
			t.Fatalf("%s: op=%q", method, Op(out.Err))
		}
	}
	entries, err := os.ReadDir(dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("artifact created despite disk guard: %v", entries)
	}
}

func TestExecuteRejects(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string]string{"f.txt": "x"})

	cases := []struct {
		name    string
		mutate  func(*config.ResolvedTask)
		wantErr error
	}{
		{name: "server_world_only", mutate: func(tk *config.ResolvedTask) { tk.Pattern = config.PatternServerWorldOnly }, wantErr: ErrPatternUnsupported},
		{name: "mcdr_server_world_only", mutate: func(tk *config.ResolvedTask) { tk.Pattern = config.PatternMcdrServerWorldOnly }, wantErr: ErrPatternUnsupported},
		{name: "none", mutate: func(tk *config.ResolvedTask) { tk.Pattern = config.PatternNone }, wantErr: ErrPatternNone},
		{name: "missing source", mutate: func(tk *config.ResolvedTask) { tk.Source = filepath.Join(src, "nope") }, wantErr: ErrSourceMissing},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dst := filepath.Join(t.TempDir(), "dst")
			tk := task(src, dst, config.MethodZip)
			tc.mutate(&tk)
			out := newTestExecutor(config.DefaultZipChunkSize).Execute("t", tk)
			if out.Status != StatusFailure || !errors.Is(out.Err, tc.wantErr) {
				t.Fatalf("status=%s err=%v want %v", out.Status, out.Err, tc.wantErr)
			}
			var be *Error
			if !errors.As(out.Err, &be) || be.Task != "t" {
				t.Fatalf("expected *Error for task t, got %T %v", out.Err, out.Err)
			}
			if entries, _ := os.ReadDir(dst); len(entries) != 0 {
				t.Fatalf("artifact created: %v", entries)
			}
		})
	}
}
