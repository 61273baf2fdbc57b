// Package logging provides leveled console output for broker processes.
// Task progress itself is recorded as events in the store; this package only
// covers operator-facing lines such as dispatches, claims and sweep results.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name. Unknown names yield INFO
// and ok=false.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[l]; ok {
		return l, true
	}
	return LevelInfo, false
}

// Logger writes single-line entries: LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a logger sharing this logger's output and level,
// tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Broker event helpers ---

// TaskDispatched logs a newly persisted task.
func (l *Logger) TaskDispatched(taskID string, steps int) {
	l.Info("task_dispatched", map[string]interface{}{
		"task":  taskID,
		"steps": steps,
	})
}

// TaskClaimed logs a successful claim.
func (l *Logger) TaskClaimed(taskID, runID string, retries int) {
	l.Info("task_claimed", map[string]interface{}{
		"task":    taskID,
		"run":     runID,
		"retries": retries,
	})
}

// TaskCompleted logs a terminal status written by a run.
func (l *Logger) TaskCompleted(taskID, runID, status string, duration time.Duration) {
	l.Info("task_completed", map[string]interface{}{
		"task":     taskID,
		"run":      runID,
		"status":   status,
		"duration": duration.String(),
	})
}

// HeartbeatFailed logs a heartbeat write that did not reach the store.
func (l *Logger) HeartbeatFailed(runID string, err error) {
	l.Warn("heartbeat_failed", map[string]interface{}{
		"run":   runID,
		"error": err.Error(),
	})
}

// SubscriptionError logs a failed poll or a handler error inside a subscription.
func (l *Logger) SubscriptionError(taskID string, cursor int64, err error) {
	l.Warn("subscription_error", map[string]interface{}{
		"task":   taskID,
		"cursor": cursor,
		"error":  err.Error(),
	})
}

// StaleTask logs a task whose heartbeat went silent and what the sweep did.
func (l *Logger) StaleTask(taskID, runID, action string) {
	l.Warn("stale_task", map[string]interface{}{
		"task":   taskID,
		"run":    runID,
		"action": action,
	})
}
