package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPrefixes are the frames to skip when resolving the call site:
// logrus internals plus this package's Log/Entry wrappers.
var wrapperPrefixes = []string{"sirupsen/logrus", "stockflow/logger"}

// callerHook rewrites entry.Caller to the first frame that belongs to the
// application, so log lines point at feed.go:120 rather than logger.go.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	// 6 skips runtime.Callers, Fire itself, and the logrus fire chain.
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if isApplicationFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isApplicationFrame(fn string) bool {
	if fn == "" {
		return false
	}
	for _, prefix := range wrapperPrefixes {
		if strings.Contains(fn, prefix) {
			return false
		}
	}
	return true
}
