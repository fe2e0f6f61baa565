package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	xerrors "github.com/AgentZ2077/game/internal/errors"
)

// StartServer serves m on addr under /metrics until ctx ends.
func StartServer(ctx context.Context, addr string, m *Metrics) error {
	if addr == "" {
		return xerrors.New(xerrors.CodeInvalidConfiguration, "metrics address is empty")
	}
	if m == nil {
		m = Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
