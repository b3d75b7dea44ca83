package backup

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientSpace  = errors.New("insufficient free space at destination")
	ErrPatternUnsupported = errors.New("predefine pattern is not implemented")
	ErrPatternNone        = errors.New("predefine pattern is none")
	ErrSourceMissing      = errors.New("source does not exist")
)

// Error describes a failed step of one task's backup.
type Error struct {
	Task string
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("backup %s [%s]: %v", e.Task, e.Op, e.Err)
	}
	return fmt.Sprintf("backup %s [%s] %s: %v", e.Task, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Op returns the failed step of err, or "" if err is not an *Error.
func Op(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Op
	}
	return ""
}
