package app

import (
	"fmt"

	logx "autobackup/pkg/logx"
)

// cronLogger routes robfig/cron's logr-style calls into logx. Cron's own
// info chatter (wake, schedule, run) goes to debug.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]logx.Field{logx.Err(err)}, kvFields(keysAndValues)...)
	l.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2+1)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			out = append(out, logx.Any(key, nil))
			break
		}
		out = append(out, logx.Any(key, kv[i+1]))
	}
	return out
}
