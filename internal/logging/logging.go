// Package logging wraps the standard logger with a fan-out so the
// control surface's /v1/events endpoint can stream log lines live.
package logging

import (
	"fmt"
	"io"
	"log"
	"sync"
)

// Logger writes through to an underlying *log.Logger and additionally
// fans every formatted line out to any current subscribers.
type Logger struct {
	std *log.Logger

	mu          sync.Mutex
	subscribers map[chan string]struct{}
}

// New builds a Logger writing to out with the standard log package's
// default timestamp prefix.
func New(out io.Writer) *Logger {
	return &Logger{
		std:         log.New(out, "", log.LstdFlags),
		subscribers: make(map[chan string]struct{}),
	}
}

// Printf logs a formatted line and broadcasts it to subscribers.
func (l *Logger) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	l.std.Println(line)
	l.broadcast(line)
}

// Eviction logs the §4.14 fail-streak eviction line.
func (l *Logger) Eviction(key string) {
	l.Printf("evicted %s after 5 consecutive failures", key)
}

// Subscribe registers a new listener for broadcast lines. The returned
// channel is buffered so a slow subscriber drops lines rather than
// blocking the logger; call cancel to unregister and release it.
func (l *Logger) Subscribe() (ch <-chan string, cancel func()) {
	c := make(chan string, 64)
	l.mu.Lock()
	l.subscribers[c] = struct{}{}
	l.mu.Unlock()

	return c, func() {
		l.mu.Lock()
		delete(l.subscribers, c)
		l.mu.Unlock()
		close(c)
	}
}

func (l *Logger) broadcast(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.subscribers {
		select {
		case c <- line:
		default:
			// Subscriber isn't draining fast enough; drop the line
			// rather than stall the producer.
		}
	}
}
