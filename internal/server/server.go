package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

type Deps struct {
	Hub        *Hub
	Store      SessionStore
	Controller Controller
	Transcript TranscriptSource
	Warnings   func() []string
	// Recap regenerates a stored session's recap on request.
	Recap func(ctx context.Context, sessionID string) (string, string, error)
	// AudioDir confines the audio endpoint to recordings under it.
	AudioDir string
	Logger   *slog.Logger
}

func Handler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.Logger)
	}

	mux := http.NewServeMux()
	registerWSRoute(mux, deps.Hub, deps.Transcript, deps.Logger)
	if deps.Store != nil {
		registerAPIRoutes(mux, deps)
	}
	if deps.Controller != nil {
		registerControlRoutes(mux, deps)
	}
	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
