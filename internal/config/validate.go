package config

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	logx "autobackup/pkg/logx"
)

// Snapshot is one validated view of the document: resolved globals plus the
// task sections in document order.
type Snapshot struct {
	Globals Globals
	Tasks   []NamedTask

	// Defaulted lists common keys that were missing and have been filled into
	// the document. The caller is expected to save it.
	Defaulted []string
}

// Task looks up a task section by name.
func (s *Snapshot) Task(name string) (NamedTask, bool) {
	if s == nil {
		return NamedTask{}, false
	}
	for _, t := range s.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return NamedTask{}, false
}

// Build validates doc, fills missing common defaults into it and returns the
// resolved snapshot. Any problem is reported as a *ConfigError.
func Build(doc *Document) (*Snapshot, error) {
	if doc == nil || !doc.Has(SectionCommon) {
		return nil, configErr(SectionCommon, "missing section; fix the file or delete it to regenerate the default")
	}

	var c Common
	if err := doc.DecodeSection(SectionCommon, &c); err != nil {
		return nil, err
	}

	snap := &Snapshot{}
	g, err := buildGlobals(doc, c, &snap.Defaulted)
	if err != nil {
		return nil, err
	}
	snap.Globals = g

	for _, name := range doc.Sections() {
		if IsReserved(name) {
			continue
		}
		var t Task
		if err := doc.DecodeSection(name, &t); err != nil {
			return nil, err
		}
		if err := validateTask(name, t, g); err != nil {
			return nil, err
		}
		snap.Tasks = append(snap.Tasks, NamedTask{Name: name, Task: t})
	}
	return snap, nil
}

func buildGlobals(doc *Document, c Common, defaulted *[]string) (Globals, error) {
	const sec = SectionCommon
	path := func(k string) string { return sec + "." + k }

	if strings.TrimSpace(c.GlobalDestination) == "" {
		return Globals{}, configErr(path("global_destination"), "required; backups have nowhere to go")
	}
	if c.GlobalFrequency == nil {
		return Globals{}, configErr(path("global_frequency"), "required (daily, weekly, monthly, yearly or seconds)")
	}

	fill := func(key string) {
		*defaulted = append(*defaulted, key)
	}

	if !doc.HasKey(sec, "wakeup_frequency") {
		c.WakeupFrequency = int64(DefaultWakeupInterval / time.Second)
		doc.SetInt(sec, "wakeup_frequency", c.WakeupFrequency)
		fill("wakeup_frequency")
	} else if c.WakeupFrequency <= 0 {
		return Globals{}, configErr(path("wakeup_frequency"), "must be a positive number of seconds, got %d", c.WakeupFrequency)
	}

	if c.GlobalMethod == "" {
		c.GlobalMethod = DefaultMethod
		doc.SetString(sec, "global_method", string(c.GlobalMethod))
		fill("global_method")
	}
	if c.GlobalPredefinePatterns == "" {
		c.GlobalPredefinePatterns = DefaultPattern
		doc.SetString(sec, "global_predefine_patterns", string(c.GlobalPredefinePatterns))
		fill("global_predefine_patterns")
	}
	if !doc.HasKey(sec, "zip_chunk_size") {
		c.ZipChunkSize = DefaultZipChunkSize
		doc.SetInt(sec, "zip_chunk_size", int64(c.ZipChunkSize))
		fill("zip_chunk_size")
	} else if c.ZipChunkSize <= 0 {
		return Globals{}, configErr(path("zip_chunk_size"), "must be positive, got %d", int64(c.ZipChunkSize))
	}

	if !logx.ValidLevel(c.LogLevel) {
		return Globals{}, configErr(path("log_level"), "unknown level %q (DEBUG, INFO, WARNING, ERROR, CRITICAL)", c.LogLevel)
	}
	level := strings.TrimSpace(c.LogLevel)
	if level == "" {
		level = DefaultLogLevel
	}

	switch strings.ToLower(strings.TrimSpace(c.History.Driver)) {
	case "", "none", "file", "sqlite":
	default:
		return Globals{}, configErr(path("history.driver"), "unknown driver %q (none, file, sqlite)", c.History.Driver)
	}

	wakeup := time.Duration(c.WakeupFrequency) * time.Second
	if err := checkFrequency(path("global_frequency"), *c.GlobalFrequency, wakeup); err != nil {
		return Globals{}, err
	}

	logDir := strings.TrimSpace(c.LogDir)
	if logDir == "" {
		logDir = DefaultLogDir
	}

	return Globals{
		Destination:               strings.TrimSpace(c.GlobalDestination),
		Frequency:                 *c.GlobalFrequency,
		Method:                    c.GlobalMethod,
		Pattern:                   c.GlobalPredefinePatterns,
		WakeupInterval:            wakeup,
		ZipChunkSize:              c.ZipChunkSize,
		LogLevel:                  level,
		ExceptionNotificationPath: strings.TrimSpace(c.ExceptionNotificationPath),
		LogDir:                    logDir,
		History: HistoryConfig{
			Driver: strings.ToLower(strings.TrimSpace(c.History.Driver)),
			Path:   strings.TrimSpace(c.History.Path),
		},
	}, nil
}

// checkFrequency rejects numeric frequencies shorter than the wakeup interval.
func checkFrequency(path string, f Frequency, wakeup time.Duration) error {
	if f.Named() {
		return nil
	}
	if f.Duration() < wakeup {
		return configErr(path, "%d seconds is shorter than wakeup_frequency (%d)", f.Seconds, int64(wakeup/time.Second))
	}
	return nil
}

func validateTask(name string, t Task, g Globals) error {
	path := func(k string) string { return name + "." + k }

	if strings.TrimSpace(t.SourceDirectory) == "" {
		return configErr(path("source_directory"), "required")
	}
	if t.FailCount < 0 {
		return configErr(path("fail_count"), "must be >= 0, got %d", t.FailCount)
	}
	if t.BackupFrequency != nil {
		if err := checkFrequency(path("backup_frequency"), *t.BackupFrequency, g.WakeupInterval); err != nil {
			return err
		}
	}
	for i, p := range t.ExcludePathList {
		if strings.Trim(strings.TrimSpace(p), `/\`) == "" {
			return configErr(path("exclude_path_list"), "entry %d is empty", i)
		}
	}
	for i, expr := range t.ExcludeFileList {
		if _, err := regexp.Compile(expr); err != nil {
			return &ConfigError{Path: path("exclude_file_list"), Msg: "entry " + strconv.Itoa(i) + " is not a valid regex", Err: err}
		}
	}
	return nil
}
