// Package logging configures the daemon's slog output. Package-level
// loggers are created with L at init time, before the config is read; they
// follow whatever handler Init installs later.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Field keys shared across packages.
const (
	KeyComponent = "component"
	KeyUsername  = "username"
	KeyClaimID   = "claimId"
	KeySurfaceID = "surfaceId"
	KeyOutputID  = "outputId"
	KeyPeerUID   = "uid"
	KeyError     = "error"
)

var (
	level   = new(slog.LevelVar)
	root    rootHandler
	base    = slog.New(&lazyHandler{})
	formats = map[string]func(io.Writer, *slog.HandlerOptions) slog.Handler{
		"text": func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewTextHandler(w, o) },
		"json": func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewJSONHandler(w, o) },
	}
)

func init() {
	root.install(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(base)
}

// rootHandler is the handler every logger ends up writing through. gen
// moves on each install so derived handlers know to rebuild.
type rootHandler struct {
	gen     atomic.Uint64
	handler atomic.Pointer[slog.Handler]
}

func (r *rootHandler) install(h slog.Handler) {
	r.handler.Store(&h)
	r.gen.Add(1)
}

type resolved struct {
	gen     uint64
	handler slog.Handler
}

// lazyHandler replays its With/WithGroup chain on top of the current root
// handler and caches the result until the root changes.
type lazyHandler struct {
	chain []func(slog.Handler) slog.Handler
	cache atomic.Pointer[resolved]
}

func (l *lazyHandler) current() slog.Handler {
	gen := root.gen.Load()
	if c := l.cache.Load(); c != nil && c.gen == gen {
		return c.handler
	}
	h := *root.handler.Load()
	for _, apply := range l.chain {
		h = apply(h)
	}
	l.cache.Store(&resolved{gen: gen, handler: h})
	return h
}

func (l *lazyHandler) derive(apply func(slog.Handler) slog.Handler) *lazyHandler {
	chain := make([]func(slog.Handler) slog.Handler, len(l.chain), len(l.chain)+1)
	copy(chain, l.chain)
	return &lazyHandler{chain: append(chain, apply)}
}

func (l *lazyHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return l.current().Enabled(ctx, lvl)
}

func (l *lazyHandler) Handle(ctx context.Context, r slog.Record) error {
	return l.current().Handle(ctx, r)
}

func (l *lazyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return l.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (l *lazyHandler) WithGroup(name string) slog.Handler {
	return l.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// Init installs the configured handler. format is "text" or "json" (text
// when unknown); a nil output means stderr.
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	level.Set(parseLevel(lvl))

	build, ok := formats[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		build = formats["text"]
	}
	root.install(build(output, &slog.HandlerOptions{Level: level}))
}

// L returns a logger tagged with component.
func L(component string) *slog.Logger {
	return base.With(slog.String(KeyComponent, component))
}

// parseLevel accepts slog level names, plus "warning". Anything else is
// info.
func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
