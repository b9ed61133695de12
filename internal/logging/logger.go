// Package logging provides config-driven categorized file-based logging for
// sceneforge. Logs are written to .sceneforge/logs/ with one file per category.
// When debug mode is off (the default) every call is a silent no-op, so hot
// paths can log freely.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and initialization
	CategorySession   Category = "session"   // Repair session lifecycle
	CategorySandbox   Category = "sandbox"   // Child process execution
	CategoryClassify  Category = "classify"  // Error classification
	CategoryKnowledge Category = "knowledge" // Knowledge store operations
	CategoryCorrector Category = "corrector" // Static correction passes
	CategoryRepair    Category = "repair"    // Repair loop transitions
	CategoryAPI       Category = "api"       // Generative model calls
)

// fileConfig mirrors the logging section of sceneforge.yaml. Read here
// directly instead of importing internal/config to avoid a cycle.
type fileConfig struct {
	Logging struct {
		DebugMode  bool            `yaml:"debug_mode"`
		Level      string          `yaml:"level"`
		Categories map[string]bool `yaml:"categories"`
	} `yaml:"logging"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	logsDir   string
	workspace string

	cfg      fileConfig
	cfgMu    sync.RWMutex
	logLevel int
)

const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config. Call once at
// startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".sceneforge", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not load config: %v\n", err)
		cfg.Logging.DebugMode = false
	}

	if !cfg.Logging.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== sceneforge logging initialized ===")
	boot.Info("workspace: %s", workspace)
	boot.Info("level: %s", cfg.Logging.Level)

	return nil
}

func loadConfig() error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	path := filepath.Join(workspace, "sceneforge.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config means production mode, no logging.
			cfg.Logging.DebugMode = false
			return nil
		}
		return err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg = fc

	switch cfg.Logging.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.Logging.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()

	if !cfg.Logging.DebugMode {
		return false
	}
	if cfg.Logging.Categories == nil {
		return true
	}
	enabled, exists := cfg.Logging.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a no-op
// logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Convenience functions. No-ops if the category is disabled.

func Boot(format string, args ...interface{})    { Get(CategoryBoot).Info(format, args...) }
func Session(format string, args ...interface{}) { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}
func Sandbox(format string, args ...interface{})      { Get(CategorySandbox).Info(format, args...) }
func SandboxDebug(format string, args ...interface{}) { Get(CategorySandbox).Debug(format, args...) }
func SandboxWarn(format string, args ...interface{})  { Get(CategorySandbox).Warn(format, args...) }
func SandboxError(format string, args ...interface{}) { Get(CategorySandbox).Error(format, args...) }
func Classify(format string, args ...interface{})     { Get(CategoryClassify).Debug(format, args...) }
func Knowledge(format string, args ...interface{})    { Get(CategoryKnowledge).Info(format, args...) }
func KnowledgeDebug(format string, args ...interface{}) {
	Get(CategoryKnowledge).Debug(format, args...)
}
func KnowledgeError(format string, args ...interface{}) {
	Get(CategoryKnowledge).Error(format, args...)
}
func Corrector(format string, args ...interface{}) { Get(CategoryCorrector).Debug(format, args...) }
func Repair(format string, args ...interface{})    { Get(CategoryRepair).Info(format, args...) }
func RepairDebug(format string, args ...interface{}) {
	Get(CategoryRepair).Debug(format, args...)
}
func RepairWarn(format string, args ...interface{}) { Get(CategoryRepair).Warn(format, args...) }
func API(format string, args ...interface{})        { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{})   { Get(CategoryAPI).Debug(format, args...) }
func APIError(format string, args ...interface{})   { Get(CategoryAPI).Error(format, args...) }

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
