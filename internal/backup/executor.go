package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autobackup/internal/config"
	logx "autobackup/pkg/logx"

	"github.com/dustin/go-humanize"
)

// MinFreeSpace is the free space a destination volume must keep before a backup starts.
const MinFreeSpace uint64 = 10 << 30

// ArtifactTimeLayout stamps artifact names.
const ArtifactTimeLayout = "2006-01-02_15-04-05"

// FreeSpaceFunc reports bytes available on the volume holding path.
type FreeSpaceFunc func(path string) (uint64, error)

type Status int

const (
	StatusSuccess Status = iota + 1
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of one Execute call.
type Outcome struct {
	Status   Status
	Reason   string
	Err      error
	Artifact string
	Files    int
	Bytes    int64
	Duration time.Duration
}

func (o Outcome) OK() bool { return o.Status == StatusSuccess }

type stats struct {
	files int
	bytes int64
}

// Executor performs backups. It holds no per-task state; one Executor serves
// every task of a cycle.
type Executor struct {
	log       logx.Logger
	chunkSize int64
	freeSpace FreeSpaceFunc
	minFree   uint64
	now       func() time.Time
}

type Option func(*Executor)

// WithFreeSpace replaces the free-space probe.
func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(e *Executor) {
		if fn != nil {
			e.freeSpace = fn
		}
	}
}

// WithMinFree overrides MinFreeSpace.
func WithMinFree(n uint64) Option { return func(e *Executor) { e.minFree = n } }

// WithClock overrides time.Now for artifact names.
func WithClock(fn func() time.Time) Option {
	return func(e *Executor) {
		if fn != nil {
			e.now = fn
		}
	}
}

func New(log logx.Logger, chunkSize config.ByteSize, opts ...Option) *Executor {
	e := &Executor{
		log:       log,
		chunkSize: int64(chunkSize),
		freeSpace: DiskFree,
		minFree:   MinFreeSpace,
		now:       time.Now,
	}
	if e.chunkSize <= 0 {
		e.chunkSize = int64(config.DefaultZipChunkSize)
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs one backup of task. Every error becomes a Failure outcome
// carrying an *Error; partial output is left in place.
func (e *Executor) Execute(name string, task config.ResolvedTask) Outcome {
	start := e.now()
	log := e.log.With(logx.String("task", name), logx.String("method", string(task.Method)))

	out, err := e.execute(name, task, start, log)
	out.Duration = time.Since(start)
	if err != nil {
		out.Status = StatusFailure
		out.Err = err
		out.Reason = err.Error()
		if errors.Is(err, ErrInsufficientSpace) {
			log.Warn("backup skipped", logx.Err(err))
		} else {
			log.Error("backup failed", logx.Err(err), logx.Int("files", out.Files))
		}
		return out
	}

	out.Status = StatusSuccess
	log.Info("backup finished",
		logx.String("artifact", out.Artifact),
		logx.Int("files", out.Files),
		logx.String("size", humanize.IBytes(uint64(out.Bytes))),
		logx.Duration("took", out.Duration),
	)
	return out
}

func (e *Executor) execute(name string, task config.ResolvedTask, start time.Time, log logx.Logger) (Outcome, error) {
	fail := func(op, path string, err error) (Outcome, error) {
		return Outcome{}, &Error{Task: name, Op: op, Path: path, Err: err}
	}

	if task.Pattern == config.PatternNone {
		return fail("pattern", "", ErrPatternNone)
	}

	src := filepath.Clean(task.Source)
	srcInfo, err := os.Stat(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fail("stat_source", src, ErrSourceMissing)
		}
		return fail("stat_source", src, err)
	}

	dest := filepath.Clean(task.Destination)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fail("create_destination", dest, err)
	}

	free, err := e.freeSpace(dest)
	if err != nil {
		return fail("free_space", dest, err)
	}
	if free < e.minFree {
		return fail("free_space", dest, fmt.Errorf("%w: %s available, %s required",
			ErrInsufficientSpace, humanize.IBytes(free), humanize.IBytes(e.minFree)))
	}

	if task.Pattern != config.PatternAll {
		return fail("pattern", "", fmt.Errorf("%w: %s", ErrPatternUnsupported, task.Pattern))
	}

	m, err := NewMatcher(task.ExcludePaths, task.ExcludeFileRegexes)
	if err != nil {
		return fail("exclude", "", err)
	}

	base := task.OutputName
	if strings.TrimSpace(base) == "" {
		base = filepath.Base(src)
	}
	stamp := start.Format(ArtifactTimeLayout)

	log.Info("backup started",
		logx.String("source", src),
		logx.String("destination", dest),
		logx.String("free", humanize.IBytes(free)),
	)

	var (
		artifact string
		st       stats
	)
	switch task.Method {
	case config.MethodCopy:
		if srcInfo.IsDir() {
			artifact = filepath.Join(dest, base+"_"+stamp)
		} else {
			artifact = filepath.Join(dest, base+"_"+stamp+filepath.Ext(src))
		}
		st, err = e.copySource(src, srcInfo, artifact, m, log)
	case config.MethodZip:
		artifact = filepath.Join(dest, base+"_"+stamp+".zip")
		st, err = e.zipSource(src, srcInfo, artifact, m, log)
	default:
		return fail("method", "", fmt.Errorf("unknown method %q", task.Method))
	}

	out := Outcome{Artifact: artifact, Files: st.files, Bytes: st.bytes}
	if err != nil {
		var be *Error
		if !errors.As(err, &be) {
			err = &Error{Task: name, Op: string(task.Method), Path: artifact, Err: err}
		} else {
			be.Task = name
		}
		return out, err
	}
	return out, nil
}
