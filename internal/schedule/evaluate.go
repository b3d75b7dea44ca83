package schedule

import (
	"fmt"
	"time"

	"autobackup/internal/config"
)

// Escalation policy: after FailThreshold consecutive failures, a task whose
// frequency is below EscalationFloor is held to that floor.
const (
	FailThreshold   = 5
	EscalationFloor = 2 * 24 * time.Hour
)

type Kind int

const (
	KindReserved Kind = iota
	KindDisabled
	KindFirstTouch
	KindNotDue
	KindThrottled
	KindDue
)

func (k Kind) String() string {
	switch k {
	case KindReserved:
		return "reserved"
	case KindDisabled:
		return "disabled"
	case KindFirstTouch:
		return "first_touch"
	case KindNotDue:
		return "not_due"
	case KindThrottled:
		return "throttled"
	case KindDue:
		return "due"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Kind Kind
	Due  bool
	// Touch asks the caller to set last_backup_time to now without a backup.
	Touch bool

	Elapsed   time.Duration
	Threshold time.Duration
	Reason    string
}

// Evaluate decides whether the named task should run at now.
func Evaluate(name string, task config.ResolvedTask, g config.Globals, now time.Time) Decision {
	if config.IsReserved(name) {
		return Decision{Kind: KindReserved, Reason: "reserved section"}
	}
	if task.Pattern == config.PatternNone {
		return Decision{Kind: KindDisabled, Reason: "predefine pattern is none"}
	}
	if !task.HasLastBackup() {
		reason := "no previous backup; recording current time"
		if task.LastBackupInvalid {
			reason = "last_backup_time unparseable; recording current time"
		}
		return Decision{Kind: KindFirstTouch, Touch: true, Reason: reason}
	}

	margin := g.WakeupInterval / 4
	freq := task.Frequency.Duration()
	elapsed := now.Sub(task.LastBackup)

	threshold := freq - margin
	if elapsed < threshold {
		return Decision{
			Kind:      KindNotDue,
			Elapsed:   elapsed,
			Threshold: threshold,
			Reason:    fmt.Sprintf("elapsed %s < %s", elapsed.Round(time.Second), threshold),
		}
	}

	if task.FailCount >= FailThreshold && freq < EscalationFloor {
		floor := EscalationFloor - margin
		if elapsed < floor {
			return Decision{
				Kind:      KindThrottled,
				Touch:     true,
				Elapsed:   elapsed,
				Threshold: floor,
				Reason: fmt.Sprintf("%d consecutive failures; held to %s floor (elapsed %s)",
					task.FailCount, EscalationFloor, elapsed.Round(time.Second)),
			}
		}
		threshold = floor
	}

	return Decision{
		Kind:      KindDue,
		Due:       true,
		Elapsed:   elapsed,
		Threshold: threshold,
		Reason:    fmt.Sprintf("elapsed %s >= %s", elapsed.Round(time.Second), threshold),
	}
}
