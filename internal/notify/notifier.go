package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Level classifies a toast.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Toast is one user-facing notification.
type Toast struct {
	Level   Level
	Message string
}

// Notifier surfaces short messages to the user.
type Notifier interface {
	Success(message string)
	Info(message string)
	Error(message string)
}

// LogNotifier writes toasts to a zap logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "toast"))}
}

func (n *LogNotifier) Success(message string) {
	n.logger.Info(message, zap.String("level", string(LevelSuccess)))
}

func (n *LogNotifier) Info(message string) {
	n.logger.Info(message, zap.String("level", string(LevelInfo)))
}

func (n *LogNotifier) Error(message string) {
	n.logger.Warn(message, zap.String("level", string(LevelError)))
}

// Buffer keeps toasts in memory until drained.
type Buffer struct {
	mu     sync.Mutex
	toasts []Toast
}

func (b *Buffer) Success(message string) { b.push(LevelSuccess, message) }
func (b *Buffer) Info(message string)    { b.push(LevelInfo, message) }
func (b *Buffer) Error(message string)   { b.push(LevelError, message) }

func (b *Buffer) push(level Level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toasts = append(b.toasts, Toast{Level: level, Message: message})
}

// Toasts returns a copy of the buffered toasts.
func (b *Buffer) Toasts() []Toast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Toast(nil), b.toasts...)
}

// Drain returns and clears the buffered toasts.
func (b *Buffer) Drain() []Toast {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.toasts
	b.toasts = nil
	return out
}
