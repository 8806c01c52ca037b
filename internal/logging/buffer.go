package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clustervisor/internal/models"
)

// WorkerKey is the attribute that ties a log record to a worker id.
const WorkerKey = "worker"

type LogBuffer struct {
	mu         sync.RWMutex
	entries    []models.LogEntry
	maxEntries int
}

func NewLogBuffer(maxEntries int) *LogBuffer {
	return &LogBuffer{
		entries:    make([]models.LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

func (lb *LogBuffer) Add(entry models.LogEntry) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.entries = append(lb.entries, entry)
	if len(lb.entries) > lb.maxEntries {
		lb.entries = lb.entries[len(lb.entries)-lb.maxEntries:]
	}
}

func (lb *LogBuffer) GetLast(n int) []models.LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	return lastN(lb.entries, n)
}

func (lb *LogBuffer) GetByWorker(worker string, n int) []models.LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var filtered []models.LogEntry
	for _, e := range lb.entries {
		if e.Worker == worker {
			filtered = append(filtered, e)
		}
	}
	return lastN(filtered, n)
}

func (lb *LogBuffer) GetByLevel(level string, n int) []models.LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var filtered []models.LogEntry
	for _, e := range lb.entries {
		if e.Level == level {
			filtered = append(filtered, e)
		}
	}
	return lastN(filtered, n)
}

func lastN(entries []models.LogEntry, n int) []models.LogEntry {
	if n <= 0 || len(entries) == 0 {
		return []models.LogEntry{}
	}

	start := 0
	if len(entries) > n {
		start = len(entries) - n
	}

	result := make([]models.LogEntry, len(entries[start:]))
	copy(result, entries[start:])
	return result
}

// Handler records every record it sees into a LogBuffer before passing it on.
type Handler struct {
	next   slog.Handler
	buf    *LogBuffer
	attrs  []slog.Attr
	groups []string
}

func NewHandler(next slog.Handler, buf *LogBuffer) *Handler {
	return &Handler{next: next, buf: buf}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	entry := models.LogEntry{
		Timestamp: r.Time.Format(time.RFC3339),
		Level:     strings.ToLower(r.Level.String()),
	}

	var b strings.Builder
	b.WriteString(r.Message)
	add := func(a slog.Attr) {
		if a.Key == WorkerKey && len(h.groups) == 0 {
			entry.Worker = a.Value.String()
			return
		}
		if a.Key == "service" {
			return
		}
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(a)
		return true
	})
	entry.Message = b.String()
	h.buf.Add(entry)

	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{next: h.next.WithAttrs(attrs), buf: h.buf, attrs: merged, groups: h.groups}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	groups := append(append([]string(nil), h.groups...), name)
	return &Handler{next: h.next.WithGroup(name), buf: h.buf, attrs: h.attrs, groups: groups}
}
