package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cinesuite/pkg/config"
	"cinesuite/pkg/model"
)

// RequestLogger is the logger instance for HTTP requests.
var RequestLogger = slog.Default()

var (
	eventLogPath string
	eventLogMu   sync.Mutex
)

// Init initializes the logging system based on configuration.
// It returns a cleanup function to close log files.
func Init(cfg *config.LogConfig) (func(), error) {
	// Previous run's logs are kept as .old
	rotatePaths(cfg.Server.Path, cfg.Requests.Path, cfg.Events.Path, cfg.Gemini.Path)

	SetEventLogPath(cfg.Events.Path)

	var closers []io.Closer

	serverHandler, file1, err := setupHandler(cfg.Server.Path, cfg.Server.Level, true)
	if err != nil {
		return nil, fmt.Errorf("failed to setup server logger: %w", err)
	}
	closers = append(closers, file1)
	slog.SetDefault(slog.New(serverHandler))

	requestHandler, file2, err := setupHandler(cfg.Requests.Path, cfg.Requests.Level, false)
	if err != nil {
		file1.Close()
		return nil, fmt.Errorf("failed to setup requests logger: %w", err)
	}
	closers = append(closers, file2)
	RequestLogger = slog.New(requestHandler)

	return func() {
		for _, c := range closers {
			c.Close()
		}
	}, nil
}

func parseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupHandler(path, levelStr string, stdout bool) (handler slog.Handler, file *os.File, err error) {
	level := parseLevel(levelStr)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}

	// Append mode, truncation handled by rotatePaths
	file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	fileHandler := slog.NewTextHandler(file, opts)

	if !stdout {
		return fileHandler, file, nil
	}

	// Console gets INFO and up
	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: max(level, slog.LevelInfo),
	})

	// Last line is kept for the status endpoint
	captureHandler := slog.NewTextHandler(ServerLog, &slog.HandlerOptions{
		Level: max(level, slog.LevelInfo),
	})

	return &multiHandler{handlers: []slog.Handler{fileHandler, consoleHandler, captureHandler}}, file, nil
}

type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler
// nolint:gocritic // r must be passed by value to implement slog.Handler
func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// rotatePaths renames existing log files to .old so each run starts fresh.
func rotatePaths(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			continue
		}

		if _, err := os.Stat(p); err == nil {
			oldPath := p + ".old"
			_ = os.Remove(oldPath)
			_ = os.Rename(p, oldPath)
		}
	}
}

// SetEventLogPath configures the path for the event log file.
func SetEventLogPath(path string) {
	eventLogMu.Lock()
	defer eventLogMu.Unlock()
	eventLogPath = path
}

// LogEvent appends a timeline event to the event log file.
func LogEvent(event *model.TimelineEvent) {
	eventLogMu.Lock()
	defer eventLogMu.Unlock()

	if eventLogPath == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(eventLogPath), 0o755); err != nil {
		slog.Error("failed to create event log directory", "error", err)
		return
	}

	f, err := os.OpenFile(eventLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("failed to open event log", "error", err)
		return
	}
	defer f.Close()

	// Format: [2006-01-02 15:04:05] [type] scene=<id> index=<n> - message {data}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("[%s] [%s]", ts.Format("2006-01-02 15:04:05"), event.Type)
	if event.SceneID != "" {
		line += fmt.Sprintf(" scene=%s index=%d", event.SceneID, event.Index)
	}
	if event.Message != "" {
		line += " - " + event.Message
	}
	if event.Data != nil {
		if b, err := json.Marshal(event.Data); err == nil {
			line += " " + string(b)
		}
	}
	line += "\n"

	_, _ = EventLog.Write([]byte(line))

	if _, err := f.WriteString(line); err != nil {
		slog.Error("failed to write event log", "error", err)
	}
}
