package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"copilot2api-go/internal/config"
	log "github.com/sirupsen/logrus"
)

var (
	logMux        sync.Mutex
	logFileHandle *os.File
	hookOnce      sync.Once
)

// Setup configures the global logrus logger. Debug switches to the text
// formatter at debug level; otherwise JSON at info. It may be called again
// on config reload and the latest call wins.
func Setup(cfg *config.Config) error {
	logMux.Lock()
	defer logMux.Unlock()

	debug := cfg != nil && cfg.Security.Debug
	if debug {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		log.SetLevel(log.InfoLevel)
	}
	hookOnce.Do(func() { log.AddHook(TraceHook{}) })

	closeLogFileLocked()
	writers := []io.Writer{os.Stdout}
	if cfg != nil && cfg.Security.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Security.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Security.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFileHandle = file
		writers = append(writers, file)
	}
	log.SetOutput(io.MultiWriter(writers...))
	return nil
}

// Close releases the log file, if any.
func Close() {
	logMux.Lock()
	defer logMux.Unlock()
	log.SetOutput(os.Stdout)
	closeLogFileLocked()
}

func closeLogFileLocked() {
	if logFileHandle != nil {
		_ = logFileHandle.Close()
		logFileHandle = nil
	}
}
