package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	yaml "go.yaml.in/yaml/v3"
)

// Method is the transfer strategy of a task.
type Method string

const (
	MethodCopy Method = "copy"
	MethodZip  Method = "zip"
)

func (m *Method) UnmarshalYAML(n *yaml.Node) error {
	v := strings.ToLower(strings.TrimSpace(n.Value))
	switch Method(v) {
	case "", MethodCopy, MethodZip:
		*m = Method(v)
		return nil
	}
	return fmt.Errorf("line %d: invalid method %q (want copy or zip)", n.Line, n.Value)
}

// Pattern is the predefined selection strategy of a task.
type Pattern string

const (
	PatternAll                 Pattern = "all"
	PatternNone                Pattern = "none"
	PatternServerWorldOnly     Pattern = "server_world_only"
	PatternMcdrServerWorldOnly Pattern = "mcdr_server_world_only"
)

func (p *Pattern) UnmarshalYAML(n *yaml.Node) error {
	v := strings.ToLower(strings.TrimSpace(n.Value))
	switch Pattern(v) {
	case "", PatternAll, PatternNone, PatternServerWorldOnly, PatternMcdrServerWorldOnly:
		*p = Pattern(v)
		return nil
	}
	return fmt.Errorf("line %d: invalid predefine pattern %q (want all, none, server_world_only or mcdr_server_world_only)", n.Line, n.Value)
}

var namedFrequencies = map[string]int64{
	"daily":   86400,
	"weekly":  604800,
	"monthly": 2592000,
	"yearly":  31536000,
}

// Frequency is a named period (daily, weekly, monthly, yearly) or a number of seconds.
type Frequency struct {
	Name    string
	Seconds int64
}

// ParseFrequency parses a frequency scalar.
func ParseFrequency(raw string) (Frequency, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if secs, ok := namedFrequencies[v]; ok {
		return Frequency{Name: v, Seconds: secs}, nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Frequency{}, fmt.Errorf("invalid frequency %q (want daily, weekly, monthly, yearly or seconds)", raw)
	}
	if secs <= 0 {
		return Frequency{}, fmt.Errorf("invalid frequency %q: must be > 0", raw)
	}
	return Frequency{Seconds: secs}, nil
}

func (f *Frequency) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: frequency must be a scalar", n.Line)
	}
	got, err := ParseFrequency(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*f = got
	return nil
}

// Named reports whether f came from the fixed table.
func (f Frequency) Named() bool { return f.Name != "" }

func (f Frequency) Duration() time.Duration { return time.Duration(f.Seconds) * time.Second }

func (f Frequency) String() string {
	if f.Name != "" {
		return f.Name
	}
	return strconv.FormatInt(f.Seconds, 10) + "s"
}

// ByteSize accepts either an integer number of bytes or a humanized size ("500MiB").
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", n.Line)
	}
	v := strings.TrimSpace(n.Value)
	if v == "" {
		*b = 0
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		*b = ByteSize(i)
		return nil
	}
	u, err := humanize.ParseBytes(v)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", n.Line, v, err)
	}
	*b = ByteSize(u)
	return nil
}

func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}
