package loggingutil

import (
	"fmt"
	"runtime/debug"

	"pkt.systems/pslog"
)

// SeverityFatal marks entries describing a recovered fault. pslog's Fatal
// level exits the process, so these are written at error level and tagged.
const SeverityFatal = "fatal"

// LogRecovered records a recovered panic value together with the goroutine
// stack. keyvals are appended after the standard fields.
func LogRecovered(logger pslog.Logger, msg string, recovered any, keyvals ...any) {
	fields := make([]any, 0, 6+len(keyvals))
	fields = append(fields,
		"severity", SeverityFatal,
		"panic", fmt.Sprint(recovered),
		"stack", string(debug.Stack()),
	)
	fields = append(fields, keyvals...)
	EnsureLogger(logger).Error(msg, fields...)
}
