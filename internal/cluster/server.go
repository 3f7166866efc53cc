package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
)

// Handler answers one request Message. Implementations must be safe for
// concurrent use: Serve calls Handle from one goroutine per connection.
type Handler interface {
	Handle(ctx context.Context, req Message) Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Message) Message

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req Message) Message {
	return f(ctx, req)
}

// NewMux routes POST /rpc to h and answers GET /health with 200. Handlers
// must answer an empty command with a Bad request failure.
func NewMux(h Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(RPCPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		// An undecodable body still reaches h, as a request with no command,
		// so handlers see every exchange.
		var req Message
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			req = Message{}
		}
		resp := h.Handle(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// Listen opens a TCP listener on addr that admits at most maxConns
// connections at a time. maxConns <= 0 leaves it unbounded.
func Listen(addr string, maxConns int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// ServeListener serves h on ln until ctx is cancelled, then shuts the server
// down gracefully. Each connection carries exactly one exchange.
func ServeListener(ctx context.Context, ln net.Listener, h Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:           NewMux(h),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.SetKeepAlivesEnabled(false)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
		return nil
	}
}

// Serve is Listen followed by ServeListener.
func Serve(ctx context.Context, addr string, h Handler, maxConns int, logger zerolog.Logger) error {
	ln, err := Listen(addr, maxConns)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, h, logger)
}
