package config

import (
	"errors"
	"fmt"
)

// ErrInvalid matches every *ConfigError via errors.Is.
var ErrInvalid = errors.New("invalid config")

// ConfigError reports a missing or malformed configuration value.
// Path is "<section>" or "<section>.<key>".
type ConfigError struct {
	Path string
	Msg  string
	Err  error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Msg
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Path == "" {
		return "config: " + msg
	}
	return fmt.Sprintf("config %s: %s", e.Path, msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrInvalid }

func configErr(path, format string, args ...any) *ConfigError {
	return &ConfigError{Path: path, Msg: fmt.Sprintf(format, args...)}
}
