package diag

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Guard runs fn as the process-wide error boundary for startup. A returned
// error or a panic is reported on both channels with a stack trace and turns
// into exit code 1; otherwise fn's own exit code is returned.
//
// Errors created with github.com/pkg/errors carry the stack of the point
// where they were wrapped, which is printed with %+v.
func Guard(l *Logger, fn func() (int, error)) (code int) {
	defer func() {
		if r := recover(); r != nil {
			l.fatal(fmt.Sprintf("panic: %v", r), string(debug.Stack()))
			code = 1
		}
	}()

	code, err := fn()
	if err != nil {
		detail := fmt.Sprintf("%+v", err)
		l.fatal("fatal: "+err.Error(), detail)
		return 1
	}
	return code
}

func (l *Logger) fatal(msg, stack string) {
	l.Error(msg)
	for _, line := range strings.Split(strings.TrimRight(stack, "\n"), "\n") {
		l.Rawf("  %s", line)
	}
	l.Debug("stack trace", "stack", stack)
}
