// Package errsink collects failure messages produced while probing.
package errsink

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Sink receives one message per failed inspection.
type Sink interface {
	Append(msg string)
}

// Log is an append-only, in-memory Sink safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	msgs []string
	log  *zap.SugaredLogger
}

// New returns an empty Log. When log is non-nil every appended message is
// also written at warn level.
func New(log *zap.SugaredLogger) *Log {
	return &Log{log: log}
}

// Append records msg with whitespace runs collapsed.
func (l *Log) Append(msg string) {
	msg = Clean(msg)
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
	if l.log != nil {
		l.log.Warnw("inspection failed", "error", msg)
	}
}

// Messages returns a copy of the messages in append order.
func (l *Log) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Discard drops every message.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(string) {}

// Clean collapses every whitespace run in s to a single space and trims it.
func Clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
