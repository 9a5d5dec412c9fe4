// Package logging provides a colorized slog.Handler for the leech CLI.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var lineBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Options controls the rendering of PrettyHandler output.
type Options struct {
	SlogOpts       slog.HandlerOptions
	UseColor       bool
	ShowSource     bool
	TimeFormat     string
	LevelWidth     int
	FieldSeparator string
}

// DefaultOptions returns the options used by the CLI unless overridden.
func DefaultOptions() Options {
	return Options{
		SlogOpts:       slog.HandlerOptions{Level: slog.LevelInfo},
		UseColor:       true,
		ShowSource:     false,
		TimeFormat:     time.Kitchen,
		LevelWidth:     5,
		FieldSeparator: " | ",
	}
}

// PrettyHandler is a slog.Handler that renders records as a single
// human-readable line, colorizing the level and message when attached to a
// terminal.
type PrettyHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorLevel   map[slog.Level]func(...any) string
	colorMessage func(...any) string
	colorSource  func(...any) string
	colorFields  func(...any) string
}

func NewPrettyHandler(w io.Writer, opts Options) *PrettyHandler {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.Kitchen
	}
	if opts.LevelWidth == 0 {
		opts.LevelWidth = 5
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}

	h := &PrettyHandler{opts: opts, writer: w, mu: &sync.Mutex{}}
	h.initColors()
	return h
}

func (h *PrettyHandler) initColors() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorSource, h.colorFields = noColor, noColor, noColor, noColor
		h.colorLevel = map[slog.Level]func(...any) string{}
		for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
			h.colorLevel[l] = noColor
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorSource = color.New(color.FgHiBlack).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgGreen).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := lineBufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		lineBufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(h.opts.FieldSeparator)
	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.FieldSeparator)

	if h.opts.ShowSource {
		if src := h.source(r.PC); src != "" {
			buf.WriteString(h.colorSource(src))
			buf.WriteString(h.opts.FieldSeparator)
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	fields := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Resolve().Any()
		return true
	})

	if len(fields) > 0 {
		enc, err := json.Marshal(fields)
		if err == nil {
			buf.WriteString(h.opts.FieldSeparator)
			buf.WriteString(h.colorFields(string(enc)))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	nh := &PrettyHandler{opts: h.opts, writer: h.writer, mu: &sync.Mutex{}}
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	nh.initColors()
	return nh
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; this client never nests attribute groups.
	return h
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-*s", h.opts.LevelWidth, strings.ToUpper(level.String()))
	if fn, ok := h.colorLevel[level]; ok {
		return fn(s)
	}
	return s
}

func (h *PrettyHandler) source(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	if frame.File == "" {
		return ""
	}

	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
