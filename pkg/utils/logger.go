package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig настройки вывода логов
type LogConfig struct {
	Level      string // debug, info, warn, error
	File       string // пусто: только stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger тонкая обертка над logrus с printf-методами
type Logger struct {
	entry *logrus.Entry
}

var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger("info")
}

// NewLogger создает логгер в stdout с заданным уровнем
func NewLogger(levelStr string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(parseLevel(levelStr))
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
	})
	return &Logger{entry: logrus.NewEntry(base)}
}

// NewLoggerFrom оборачивает готовый logrus.Logger (используется в тестах с hooks/test)
func NewLoggerFrom(base *logrus.Logger) *Logger {
	return &Logger{entry: logrus.NewEntry(base)}
}

// NewNopLogger логгер, который ничего не пишет
func NewNopLogger() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(base)}
}

// Configure создает логгер по конфигурации, с ротацией файла через lumberjack
func Configure(cfg LogConfig) (*Logger, error) {
	l := NewLogger(cfg.Level)
	if cfg.File == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	l.entry.Logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return l, nil
}

// SetDefault заменяет глобальный логгер
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default возвращает глобальный логгер
func Default() *Logger {
	return defaultLogger
}

func parseLevel(levelStr string) logrus.Level {
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// WithPair добавляет к записям поле pair
func (l *Logger) WithPair(pair string) *Logger {
	return &Logger{entry: l.entry.WithField("pair", pair)}
}

// WithFields добавляет произвольные поля
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}
