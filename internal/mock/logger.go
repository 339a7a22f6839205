package mock

import "pulse/internal/core"

// Logger is a no-op core.ILogger for tests.
type Logger struct{}

func NewLogger() *Logger { return &Logger{} }

func (l *Logger) Debug(msg string, fields ...interface{}) {}
func (l *Logger) Info(msg string, fields ...interface{})  {}
func (l *Logger) Warn(msg string, fields ...interface{})  {}
func (l *Logger) Error(msg string, fields ...interface{}) {}
func (l *Logger) Fatal(msg string, fields ...interface{}) {}

func (l *Logger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *Logger) WithFields(fields map[string]interface{}) core.ILogger { return l }
