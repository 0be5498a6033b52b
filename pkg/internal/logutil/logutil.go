package logutil

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

var jsonMode atomic.Bool

func init() {
	if os.Getenv("KVNODE_LOG_JSON") == "1" || os.Getenv("KVNODE_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
}

func prefix(l *log.Logger, p string) *log.Logger {
	if l == nil {
		l = log.Default()
	}
	return log.New(l.Writer(), p, l.Flags())
}

// SetJSON switches every logger routed through this package to JSON lines.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// JSON reports whether JSON output is active.
func JSON() bool { return jsonMode.Load() }

// Writer returns the destination of l, falling back to the default logger.
func Writer(l *log.Logger) io.Writer {
	if l == nil {
		return log.Default().Writer()
	}
	return l.Writer()
}

func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
	if jsonMode.Load() {
		msg := fmt.Sprintf(f, args...)
		evt := map[string]any{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": level,
			"msg":   msg,
		}
		b, _ := json.Marshal(evt)
		if l == nil {
			l = log.Default()
		}
		l.Println(string(b))
		return
	}
	switch level {
	case "info":
		prefix(l, "INFO ").Printf(f, args...)
	case "warn":
		prefix(l, "WARN ").Printf(f, args...)
	default:
		prefix(l, "ERROR ").Printf(f, args...)
	}
}
