package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/antigravity/keygate/internal/config"
)

const DefaultBufferSize = 1000

// LogEntry represents a single log entry in the buffer
type LogEntry struct {
	Level     string    `json:"level"`
	Logger    string    `json:"logger,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogBuffer is a fixed-size ring of the most recent log entries, served by the admin API
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogBuffer creates a ring holding at most size entries
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// GlobalBuffer is the buffer fed by loggers built with New
var GlobalBuffer = NewLogBuffer(DefaultBufferSize)

// Add adds a log entry, overwriting the oldest one when the ring is full
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
}

// Len returns the number of buffered entries
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// GetRecent returns up to n entries at or above minLevel, newest first. n <= 0 means all.
func (b *LogBuffer) GetRecent(n int, minLevel zapcore.Level) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.next
	if b.full {
		count = len(b.entries)
	}
	if n <= 0 || n > count {
		n = count
	}

	result := make([]LogEntry, 0, n)
	for i := 1; i <= count && len(result) < n; i++ {
		e := b.entries[(b.next-i+len(b.entries))%len(b.entries)]
		if lvl, err := zapcore.ParseLevel(e.Level); err == nil && lvl < minLevel {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Clear empties the buffer
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]LogEntry, len(b.entries))
	b.next = 0
	b.full = false
}

// Hook returns a zap hook that copies every written entry into the buffer
func (b *LogBuffer) Hook() func(zapcore.Entry) error {
	return func(entry zapcore.Entry) error {
		b.Add(LogEntry{
			Level:     entry.Level.String(),
			Logger:    entry.LoggerName,
			Message:   entry.Message,
			Timestamp: entry.Time,
		})
		return nil
	}
}

func encoderConfig(levelEncoder zapcore.LevelEncoder) zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    levelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New creates the server logger: a rotated file core and a colored console core, both mirrored
// into buffer (GlobalBuffer when nil).
func New(cfg config.LoggingConfig, buffer *LogBuffer) (*zap.Logger, error) {
	if buffer == nil {
		buffer = GlobalBuffer
	}

	// 确保日志目录存在
	if cfg.Output != "" {
		dir := filepath.Dir(cfg.Output)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig(zapcore.CapitalColorLevelEncoder))

	var cores []zapcore.Core

	// 文件输出
	if cfg.Output != "" {
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig(zapcore.LowercaseLevelEncoder))
		if cfg.Format == "console" {
			fileEncoder = zapcore.NewConsoleEncoder(encoderConfig(zapcore.CapitalLevelEncoder))
		}
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(fileEncoder, fileWriter, level))
	}

	// 控制台输出；没有任何输出时也退回到控制台
	if cfg.ConsoleOutput || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel), zap.Hooks(buffer.Hook())), nil
}

// NewConsole creates a console-only logger for one-shot CLI commands
func NewConsole(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig(zapcore.CapitalColorLevelEncoder)),
		zapcore.Lock(os.Stderr),
		lvl,
	)
	return zap.New(core)
}
