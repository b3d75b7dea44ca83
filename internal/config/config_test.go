package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const baseCommon = `common:
  global_destination: /backups
  global_frequency: daily
  global_method: zip
  global_predefine_patterns: all
  wakeup_frequency: 3600
  zip_chunk_size: 1024
`

func mustBuild(t *testing.T, src string) (*Document, *Snapshot) {
	t.Helper()
	doc, err := ParseDocument([]byte(src))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	snap, err := Build(doc)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return doc, snap
}

func TestParseFrequency(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    int64
		named   bool
		wantErr bool
	}{
		{in: "daily", want: 86400, named: true},
		{in: "Weekly", want: 604800, named: true},
		{in: "monthly", want: 2592000, named: true},
		{in: "yearly", want: 31536000, named: true},
		{in: "90000", want: 90000},
		{in: "fortnightly", wantErr: true},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseFrequency(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if got.Seconds != tc.want || got.Named() != tc.named {
				t.Fatalf("got %+v, want seconds=%d named=%v", got, tc.want, tc.named)
			}
		})
	}
}

func TestBuildResolvesTasksInDocumentOrder(t *testing.T) {
	t.Parallel()

	src := baseCommon + `
zeta:
  source_directory: /srv/zeta
  backup_frequency: 90000
  exclude_path_list: [cache]
  exclude_file_list: ['.*\.tmp$']
  last_backup_time: "2024-01-02 03:04:05"
  fail_count: 2
example:
  source_directory: /ignored
alpha:
  source_directory: /srv/alpha/
  destination_directory: /elsewhere
  backup_method: copy
  file_name: renamed
`
	_, snap := mustBuild(t, src)

	var names []string
	for _, nt := range snap.Tasks {
		names = append(names, nt.Name)
	}
	if diff := cmp.Diff([]string{"zeta", "alpha"}, names); diff != "" {
		t.Fatalf("task order mismatch (-want +got):\n%s", diff)
	}
	if len(snap.Defaulted) != 0 {
		t.Fatalf("nothing should be defaulted, got %v", snap.Defaulted)
	}

	g := snap.Globals
	if g.WakeupInterval != time.Hour || g.ZipChunkSize != 1024 || g.LogLevel != DefaultLogLevel || g.LogDir != DefaultLogDir {
		t.Fatalf("unexpected globals: %+v", g)
	}

	zeta := snap.Tasks[0].Task.Resolve(g)
	want := ResolvedTask{
		Source:             "/srv/zeta",
		Destination:        "/backups",
		Method:             MethodZip,
		Pattern:            PatternAll,
		Frequency:          Frequency{Seconds: 90000},
		ExcludePaths:       []string{"cache"},
		ExcludeFileRegexes: []string{`.*\.tmp$`},
		OutputName:         "zeta",
		LastBackup:         time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local),
		FailCount:          2,
	}
	if diff := cmp.Diff(want, zeta); diff != "" {
		t.Fatalf("resolve zeta (-want +got):\n%s", diff)
	}

	alpha := snap.Tasks[1].Task.Resolve(g)
	if alpha.Destination != "/elsewhere" || alpha.Method != MethodCopy || alpha.OutputName != "renamed" {
		t.Fatalf("resolve alpha: %+v", alpha)
	}
	if alpha.Frequency.Name != "daily" || alpha.HasLastBackup() {
		t.Fatalf("alpha should inherit daily and have no last backup: %+v", alpha)
	}
}

func TestResolveUnparseableLastBackupIsAbsent(t *testing.T) {
	t.Parallel()

	_, snap := mustBuild(t, baseCommon+`
t1:
  source_directory: /srv/t1
  last_backup_time: current_time
`)
	r := snap.Tasks[0].Task.Resolve(snap.Globals)
	if r.HasLastBackup() || !r.LastBackupInvalid {
		t.Fatalf("expected invalid, absent last backup: %+v", r)
	}
}

func TestBuildFillsMissingCommonDefaults(t *testing.T) {
	t.Parallel()

	src := `# top comment stays
common:
  # where things go
  global_destination: /backups
  global_frequency: weekly
task:
  source_directory: /srv/task # trailing comment
`
	doc, snap := mustBuild(t, src)

	want := []string{"wakeup_frequency", "global_method", "global_predefine_patterns", "zip_chunk_size"}
	if diff := cmp.Diff(want, snap.Defaulted); diff != "" {
		t.Fatalf("defaulted mismatch (-want +got):\n%s", diff)
	}
	if snap.Globals.WakeupInterval != DefaultWakeupInterval || snap.Globals.Method != MethodCopy ||
		snap.Globals.Pattern != PatternAll || snap.Globals.ZipChunkSize != DefaultZipChunkSize {
		t.Fatalf("defaults not applied: %+v", snap.Globals)
	}

	out, err := doc.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	text := string(out)
	for _, s := range []string{
		"# top comment stays",
		"# where things go",
		"# trailing comment",
		"wakeup_frequency: 7200",
		"global_method: copy",
		"global_predefine_patterns: all",
		"zip_chunk_size: 524288000",
	} {
		if !strings.Contains(text, s) {
			t.Fatalf("rewritten document missing %q:\n%s", s, text)
		}
	}

	// A second pass over the rewritten document has nothing left to fill.
	_, again := mustBuild(t, text)
	if len(again.Defaulted) != 0 {
		t.Fatalf("expected no defaults on second pass, got %v", again.Defaulted)
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		src      string
		wantPath string
	}{
		{name: "missing common", src: "task:\n  source_directory: /x\n", wantPath: "common"},
		{name: "missing destination", src: "common:\n  global_frequency: daily\n", wantPath: "common.global_destination"},
		{name: "missing frequency", src: "common:\n  global_destination: /b\n", wantPath: "common.global_frequency"},
		{name: "bad frequency", src: "common:\n  global_destination: /b\n  global_frequency: sometimes\n", wantPath: "common"},
		{name: "frequency below wakeup", src: baseCommon + "t:\n  source_directory: /x\n  backup_frequency: 60\n", wantPath: "t.backup_frequency"},
		{name: "global frequency below wakeup", src: "common:\n  global_destination: /b\n  global_frequency: 100\n  wakeup_frequency: 200\n", wantPath: "common.global_frequency"},
		{name: "bad method", src: baseCommon + "t:\n  source_directory: /x\n  backup_method: rsync\n", wantPath: "t"},
		{name: "bad pattern", src: "common:\n  global_destination: /b\n  global_frequency: daily\n  global_predefine_patterns: most\n", wantPath: "common"},
		{name: "missing source", src: baseCommon + "t:\n  file_name: x\n", wantPath: "t.source_directory"},
		{name: "empty task", src: baseCommon + "t:\n", wantPath: "t"},
		{name: "bad regex", src: baseCommon + "t:\n  source_directory: /x\n  exclude_file_list: ['([a-z']\n", wantPath: "t.exclude_file_list"},
		{name: "unknown key", src: baseCommon + "t:\n  source_directory: /x\n  sourcedir: /y\n", wantPath: "t"},
		{name: "bad log level", src: baseCommon + "  log_level: LOUD\n", wantPath: "common.log_level"},
		{name: "bad history driver", src: baseCommon + "  history:\n    driver: redis\n", wantPath: "common.history.driver"},
		{name: "negative fail count", src: baseCommon + "t:\n  source_directory: /x\n  fail_count: -1\n", wantPath: "t.fail_count"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			doc, err := ParseDocument([]byte(tc.src))
			if err != nil {
				t.Fatalf("ParseDocument: %v", err)
			}
			_, err = Build(doc)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %T %v", err, err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *ConfigError, got %T", err)
			}
			if ce.Path != tc.wantPath {
				t.Fatalf("path=%q want %q (err=%v)", ce.Path, tc.wantPath, err)
			}
		})
	}
}

func TestByteSizeAcceptsHumanizedValues(t *testing.T) {
	t.Parallel()

	_, snap := mustBuild(t, "common:\n  global_destination: /b\n  global_frequency: daily\n  zip_chunk_size: 500MiB\n")
	if snap.Globals.ZipChunkSize != DefaultZipChunkSize {
		t.Fatalf("zip_chunk_size=%d want %d", snap.Globals.ZipChunkSize, DefaultZipChunkSize)
	}
}

func TestDefaultDocumentIsValid(t *testing.T) {
	t.Parallel()

	_, snap := mustBuild(t, DefaultDocument)
	if len(snap.Tasks) != 0 {
		t.Fatalf("default document must not declare runnable tasks, got %d", len(snap.Tasks))
	}
	if len(snap.Defaulted) != 0 {
		t.Fatalf("default document should be complete, defaulted %v", snap.Defaulted)
	}
}

func TestDocumentSetUpdatesInPlace(t *testing.T) {
	t.Parallel()

	doc, _ := mustBuild(t, baseCommon+"t:\n  source_directory: /x\n  # managed\n  fail_count: 3\n")
	doc.SetInt("t", "fail_count", 0)
	doc.SetString("t", "last_backup_time", "2024-05-06 07:08:09")

	out, err := doc.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	_, snap := mustBuild(t, string(out))
	task := snap.Tasks[0].Task
	if task.FailCount != 0 || task.LastBackupTime != "2024-05-06 07:08:09" {
		t.Fatalf("unexpected task after set: %+v", task)
	}
	if !strings.Contains(string(out), "# managed") {
		t.Fatalf("comment lost:\n%s", out)
	}
	if strings.Count(string(out), "fail_count") != 1 {
		t.Fatalf("fail_count duplicated:\n%s", out)
	}
}
