// Package relaylog provides the dual-sink logger every relay component
// writes through: the process's main log plus a dedicated relay.log file so
// an operator can tail one file for relay activity without main-log noise.
package relaylog

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes to both the standard logger and a dedicated file. The zero
// value is valid and behaves like log.Printf with no file sink.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	file2  *log.Logger
	once   sync.Once
	logDir string
}

// Open initializes the dedicated log file at <logDir>/relay.log. Safe to
// call multiple times; only the first call takes effect, matching the
// teacher's sync.Once-guarded init.
func (l *Logger) Open(logDir string) {
	l.once.Do(func() {
		l.logDir = logDir
		logPath := filepath.Join(logDir, "relay.log")

		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("[relay] WARNING: could not open relay log file %s: %v (relay logs will only go to the main log)", logPath, err)
			return
		}

		l.file = f
		l.file2 = log.New(f, "", 0)
		log.Printf("[relay] relay log file initialized: %s", logPath)
	})
}

// Printf writes a log message to both the main log and the relay log file.
func (l *Logger) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file2 != nil {
		timestamp := time.Now().Format("2006/01/02 15:04:05")
		l.file2.Printf("%s %s", timestamp, msg)
	}
}

// Close releases the dedicated log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
		l.file2 = nil
	}
}
