package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one retained log record.
type Entry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Module  string            `json:"module"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// History keeps the most recent log records in a fixed ring.
type History struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewHistory creates a ring holding size entries.
func NewHistory(size int) *History {
	return &History{entries: make([]Entry, size)}
}

// Add stores an entry, evicting the oldest when full.
func (h *History) Add(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = e
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

// Recent returns up to limit entries of module in chronological order.
// A limit of zero or less returns every match.
func (h *History) Recent(module string, limit int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	ordered := h.entries[:h.next]
	if h.full {
		ordered = append(append([]Entry(nil), h.entries[h.next:]...), h.entries[:h.next]...)
	}

	var out []Entry
	for i := len(ordered) - 1; i >= 0; i-- {
		if module != "" && ordered[i].Module != module {
			continue
		}
		out = append(out, ordered[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// HistoryHandler is a slog.Handler that records into a History.
type HistoryHandler struct {
	history *History
	level   slog.Leveler
	attrs   []slog.Attr
	prefix  string
}

// NewHistoryHandler records entries at or above level into h.
func NewHistoryHandler(h *History, level slog.Leveler) *HistoryHandler {
	return &HistoryHandler{history: h, level: level}
}

// Enabled implements slog.Handler.
func (h *HistoryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *HistoryHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   strings.ToLower(r.Level.String()),
		Message: r.Message,
		Attrs:   make(map[string]string),
	}

	add := func(prefix string, a slog.Attr) {
		if a.Key == "module" && prefix == "" {
			e.Module = a.Value.String()
			return
		}
		flatten(e.Attrs, prefix, a)
	}
	for _, a := range h.attrs {
		add("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.prefix, a)
		return true
	})

	h.history.Add(e)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *HistoryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

// WithGroup implements slog.Handler.
func (h *HistoryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func flatten(dst map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			flatten(dst, prefix+a.Key+".", ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[prefix+a.Key] = a.Value.String()
}
