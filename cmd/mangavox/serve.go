package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/mangavox/internal/app"
	"github.com/MrWong99/mangavox/internal/config"
	"github.com/MrWong99/mangavox/internal/narration"
	"github.com/MrWong99/mangavox/internal/observe"
)

const maxRequestBody = 1 << 20

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the narration API with health checks and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.Server.MetricsAddr
			}
			return c.serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.metrics_addr)")
	return cmd
}

func (c *cli) serve(ctx context.Context, addr string) error {
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: versionString()})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			c.log.Warn("telemetry shutdown failed", "err", err)
		}
	}()

	if c.configPath != "" {
		if _, err := config.Watch(ctx, c.configPath, c.onConfigChange, config.WithWatcherLogger(c.log)); err != nil {
			c.log.Warn("config hot reload disabled", "err", err)
		}
	}

	return c.withApp(ctx, func(ctx context.Context, a *app.App) error {
		mux := http.NewServeMux()
		a.Health().Register(mux)
		mux.Handle("GET /metrics", tel.Handler)
		newAPI(a, c.cfg.TTS.OutputFormat).register(mux)

		srv := &http.Server{
			Addr:              addr,
			Handler:           observe.Middleware(tel.Metrics, c.log)(mux),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		c.log.Info("mangavox serving", "addr", addr)

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}
		c.log.Info("shutdown signal received, stopping")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, app.WithMetrics(tel.Metrics))
}

// onConfigChange applies the log level live and reports everything else as
// requiring a restart.
func (c *cli) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		c.level.Set(slogLevel(d.NewLogLevel))
		c.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		c.log.Warn("config sections changed and need a restart to apply", "sections", d.RestartRequired)
	}
}

// api exposes narration over HTTP.
type api struct {
	app         *app.App
	contentType string
}

func newAPI(a *app.App, outputFormat string) *api {
	ct := "application/octet-stream"
	switch {
	case strings.HasPrefix(outputFormat, "mp3"):
		ct = "audio/mpeg"
	case strings.HasPrefix(outputFormat, "pcm"):
		ct = "audio/pcm"
	}
	return &api{app: a, contentType: ct}
}

func (h *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/resolve", h.resolve)
	mux.HandleFunc("POST /v1/speak", h.speak)
	mux.HandleFunc("POST /v1/prefetch", h.prefetch)
	mux.HandleFunc("PUT /v1/session", h.switchTitle)
	mux.HandleFunc("DELETE /v1/session", h.clearSession)
}

type resolveResponse struct {
	Character string `json:"character"`
	Voice     string `json:"voice"`
}

func (h *api) resolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	character := q.Get("character")
	id := h.app.Resolver().Resolve(r.Context(), character, q.Get("type"), q.Get("archetype"))
	writeJSON(w, http.StatusOK, resolveResponse{Character: character, Voice: id})
}

func (h *api) speak(w http.ResponseWriter, r *http.Request) {
	var line narration.Line
	if !decodeJSON(w, r, &line) {
		return
	}
	if strings.TrimSpace(line.Text) == "" {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	audio, err := h.app.Narrator().Speak(r.Context(), line)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", h.contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

type prefetchRequest struct {
	Lines []narration.Line `json:"lines"`
}

type prefetchResponse struct {
	Cached      int    `json:"cached"`
	Synthesized int    `json:"synthesized"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
}

func (h *api) prefetch(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.app.Narrator().Prefetch(r.Context(), req.Lines)
	resp := prefetchResponse{Cached: res.Cached, Synthesized: res.Synthesized, Failed: res.Failed}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionRequest struct {
	Title string `json:"title"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
}

// switchTitle sets the manga title attached to new voice assignments.
func (h *api) switchTitle(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res := h.app.Resolver()
	res.SwitchTitle(req.Title)
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: res.SessionID(), Title: strings.TrimSpace(req.Title)})
}

// clearSession drops all session locks, e.g. when the reader closes a book.
func (h *api) clearSession(w http.ResponseWriter, _ *http.Request) {
	res := h.app.Resolver()
	res.ClearSession()
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: res.SessionID()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
