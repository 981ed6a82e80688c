package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Writer turns log.Logger output into leveled lines. Each written line is
// expected to start with its level ("INFO ...", "[warn] ...", "error: ...");
// unlabelled lines are INFO. DEBUG lines are dropped unless verbose.
type Writer struct {
	mu      sync.Mutex
	service string
	format  string
	verbose bool
	traceID string
	out     io.Writer
	now     func() time.Time
}

// NewWriter returns a Writer in the given format, "text" or "json".
func NewWriter(service, format string, verbose bool, out io.Writer) *Writer {
	return &Writer{service: service, format: format, verbose: verbose, out: out, now: time.Now}
}

// SetTraceID sets the trace id recorded on JSON lines.
func (w *Writer) SetTraceID(id string) {
	w.mu.Lock()
	w.traceID = id
	w.mu.Unlock()
}

func (w *Writer) Write(p []byte) (int, error) {
	level, message := parseLevel(strings.TrimSpace(string(p)))
	if err := w.Log(level, message); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Log writes one line at level.
func (w *Writer) Log(level, message string) error {
	if level == "WARNING" {
		level = "WARN"
	}
	if level == "DEBUG" && !w.verbose {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var line []byte
	if w.format == "json" {
		entry := map[string]string{
			"ts":       w.now().UTC().Format(time.RFC3339Nano),
			"level":    level,
			"service":  w.service,
			"msg":      message,
			"trace_id": w.traceID,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		line = append(data, '\n')
	} else {
		line = []byte(fmt.Sprintf("%-5s %s\n", level, message))
	}
	_, err := w.out.Write(line)
	return err
}

func parseLevel(message string) (string, string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return "INFO", ""
	}

	if strings.HasPrefix(trimmed, "[") {
		if idx := strings.Index(trimmed, "]"); idx > 1 {
			level := strings.ToUpper(trimmed[1:idx])
			rest := strings.TrimSpace(trimmed[idx+1:])
			if isLevel(level) {
				return level, rest
			}
		}
	}

	if idx := strings.Index(trimmed, ":"); idx > 0 {
		level := strings.ToUpper(strings.TrimSpace(trimmed[:idx]))
		rest := strings.TrimSpace(trimmed[idx+1:])
		if isLevel(level) {
			return level, rest
		}
	}

	fields := strings.Fields(trimmed)
	if len(fields) > 1 {
		level := strings.ToUpper(fields[0])
		if isLevel(level) {
			return level, strings.TrimSpace(trimmed[len(fields[0]):])
		}
	}

	return "INFO", trimmed
}

func isLevel(level string) bool {
	switch level {
	case "INFO", "ERROR", "WARN", "WARNING", "DEBUG":
		return true
	default:
		return false
	}
}
