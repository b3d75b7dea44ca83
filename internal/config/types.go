package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Reserved top-level sections. Every other top-level key is a backup task.
const (
	SectionCommon  = "common"
	SectionExample = "example"
)

// IsReserved reports whether name is a reserved (non-task) section.
func IsReserved(name string) bool {
	return name == SectionCommon || name == SectionExample
}

// Defaults applied when common keys are omitted.
const (
	DefaultWakeupInterval = 7200 * time.Second
	DefaultZipChunkSize   = ByteSize(500 << 20)
	DefaultMethod         = MethodCopy
	DefaultPattern        = PatternAll
	DefaultLogLevel       = "INFO"
	DefaultLogDir         = "./logs"
)

// BackupTimeLayout is the on-disk format of last_backup_time (local time).
const BackupTimeLayout = "2006-01-02 15:04:05"

// Common is the `common` section as written in the document.
type Common struct {
	GlobalDestination         string        `yaml:"global_destination"`
	GlobalFrequency           *Frequency    `yaml:"global_frequency"`
	GlobalMethod              Method        `yaml:"global_method,omitempty"`
	GlobalPredefinePatterns   Pattern       `yaml:"global_predefine_patterns,omitempty"`
	WakeupFrequency           int64         `yaml:"wakeup_frequency,omitempty"`
	ZipChunkSize              ByteSize      `yaml:"zip_chunk_size,omitempty"`
	LogLevel                  string        `yaml:"log_level,omitempty"`
	ExceptionNotificationPath string        `yaml:"exception_notification_path,omitempty"`
	LogDir                    string        `yaml:"log_dir,omitempty"`
	History                   HistoryConfig `yaml:"history,omitempty"`
}

// HistoryConfig selects the run history store.
//
// Driver values:
//   - "" or "none": disabled
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database at Path
type HistoryConfig struct {
	Driver string `yaml:"driver,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// Task is one backup task section as written in the document.
// Empty/nil fields fall back to the matching common value in Resolve.
type Task struct {
	SourceDirectory      string     `yaml:"source_directory"`
	DestinationDirectory string     `yaml:"destination_directory,omitempty"`
	BackupMethod         Method     `yaml:"backup_method,omitempty"`
	BackupFrequency      *Frequency `yaml:"backup_frequency,omitempty"`
	PredefinePatterns    Pattern    `yaml:"predefine_patterns,omitempty"`
	FileName             string     `yaml:"file_name,omitempty"`
	ExcludePathList      []string   `yaml:"exclude_path_list,omitempty"`
	ExcludeFileList      []string   `yaml:"exclude_file_list,omitempty"`
	LastBackupTime       string     `yaml:"last_backup_time,omitempty"`
	FailCount            int        `yaml:"fail_count,omitempty"`
}

// NamedTask pairs a task with its section name, in document order.
type NamedTask struct {
	Name string
	Task Task
}

// Globals is the immutable, fully-defaulted view of `common` used for one cycle.
type Globals struct {
	Destination               string
	Frequency                 Frequency
	Method                    Method
	Pattern                   Pattern
	WakeupInterval            time.Duration
	ZipChunkSize              ByteSize
	LogLevel                  string
	ExceptionNotificationPath string
	LogDir                    string
	History                   HistoryConfig
}

// WakeupSeconds returns the wakeup interval in whole seconds.
func (g Globals) WakeupSeconds() int64 { return int64(g.WakeupInterval / time.Second) }

// ResolvedTask is a task with every fallback to Globals applied.
type ResolvedTask struct {
	Source             string
	Destination        string
	Method             Method
	Pattern            Pattern
	Frequency          Frequency
	ExcludePaths       []string
	ExcludeFileRegexes []string
	OutputName         string

	// LastBackup is zero when the task never ran.
	LastBackup time.Time
	// LastBackupInvalid is set when last_backup_time was present but unparseable.
	LastBackupInvalid bool
	FailCount         int
}

// HasLastBackup reports whether the task has a usable last backup time.
func (r ResolvedTask) HasLastBackup() bool { return !r.LastBackup.IsZero() }

// Resolve applies the common fallbacks to t.
func (t Task) Resolve(g Globals) ResolvedTask {
	r := ResolvedTask{
		Source:             strings.TrimSpace(t.SourceDirectory),
		Destination:        strings.TrimSpace(t.DestinationDirectory),
		Method:             t.BackupMethod,
		Pattern:            t.PredefinePatterns,
		Frequency:          g.Frequency,
		ExcludePaths:       append([]string(nil), t.ExcludePathList...),
		ExcludeFileRegexes: append([]string(nil), t.ExcludeFileList...),
		OutputName:         strings.TrimSpace(t.FileName),
		FailCount:          t.FailCount,
	}
	if r.Destination == "" {
		r.Destination = g.Destination
	}
	if r.Method == "" {
		r.Method = g.Method
	}
	if r.Pattern == "" {
		r.Pattern = g.Pattern
	}
	if t.BackupFrequency != nil {
		r.Frequency = *t.BackupFrequency
	}
	if r.OutputName == "" {
		r.OutputName = filepath.Base(filepath.Clean(r.Source))
	}
	if raw := strings.TrimSpace(t.LastBackupTime); raw != "" {
		at, err := ParseBackupTime(raw)
		if err != nil {
			r.LastBackupInvalid = true
		} else {
			r.LastBackup = at
		}
	}
	return r
}

// ParseBackupTime parses a last_backup_time value in local time.
func ParseBackupTime(raw string) (time.Time, error) {
	return time.ParseInLocation(BackupTimeLayout, strings.TrimSpace(raw), time.Local)
}

// FormatBackupTime renders t the way last_backup_time is stored.
func FormatBackupTime(t time.Time) string {
	return t.In(time.Local).Format(BackupTimeLayout)
}
