package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Identifier is the syslog identifier of journal entries.
const Identifier = "m2mdec"

const historySize = 1000

// Config is the [logging] table of the config file.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
}

var (
	mutex      sync.RWMutex
	current    Config
	configured bool
	loggers    = make(map[string]*slog.Logger)
	levels     = make(map[string]*slog.LevelVar)
	rootLevel  = &slog.LevelVar{}
	output     io.Writer
	history    = NewHistory(historySize)
)

// Initialize applies a logging configuration. Existing loggers keep their
// level variables, so a level change reaches loggers already handed out.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	current = config
	configured = true
	rootLevel.Set(levelOr(config.Level, slog.LevelInfo))

	for module, levelVar := range levels {
		levelVar.Set(moduleLevel(module))
		loggers[module] = slog.New(newHandler(config.Format, levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(newHandler(config.Format, rootLevel)))
}

// GetLogger returns the logger of a module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	logger, ok := loggers[module]
	mutex.RUnlock()
	if ok {
		return logger
	}

	mutex.Lock()
	defer mutex.Unlock()
	if logger, ok := loggers[module]; ok {
		return logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(moduleLevel(module))
	levels[module] = levelVar

	logger = slog.New(newHandler(current.Format, levelVar)).With("module", module)
	loggers[module] = logger
	return logger
}

// Level reports the effective level of a module.
func Level(module string) slog.Level {
	mutex.RLock()
	defer mutex.RUnlock()
	if levelVar, ok := levels[module]; ok {
		return levelVar.Level()
	}
	return moduleLevel(module)
}

// Recent returns up to limit history entries, newest last. An empty module
// matches every module.
func Recent(module string, limit int) []Entry {
	return history.Recent(module, limit)
}

// moduleLevel must be called with mutex held.
func moduleLevel(module string) slog.Level {
	if !configured {
		return slog.LevelInfo
	}
	level := levelOr(current.Level, slog.LevelInfo)
	if s, ok := current.Modules[module]; ok {
		level = levelOr(s, level)
	}
	return level
}

// newHandler builds the output chain. It must be called with mutex held.
func newHandler(format string, level slog.Leveler) slog.Handler {
	handlers := []slog.Handler{NewHistoryHandler(history, level)}

	if w := stdout(); w != nil {
		opts := &slog.HandlerOptions{Level: level}
		if format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(w, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, opts))
		}
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}

	if len(handlers) == 1 {
		return handlers[0]
	}
	return NewMultiHandler(handlers...)
}

// stdout returns the console writer, or nil when stdout goes nowhere
// useful (for example /dev/null under systemd).
func stdout() io.Writer {
	if output != nil {
		return output
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return nil
	}
	mode := fi.Mode()
	if mode&os.ModeCharDevice != 0 || mode&os.ModeNamedPipe != 0 || mode&os.ModeSocket != 0 || mode.IsRegular() {
		return os.Stdout
	}
	return nil
}

func levelOr(s string, fallback slog.Level) slog.Level {
	if level := parseLevel(s); level != nil {
		return *level
	}
	return fallback
}

func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
