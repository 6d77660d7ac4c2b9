// Package relay serves the tunnel endpoints: /tunnel carries packets over a
// WebSocket, /signal sets up a WebRTC DataChannel carrier. Either way the
// connection ends up in the same tunnel.Handler.
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/1ureka/pocket-tunnel/internal/config"
	"github.com/1ureka/pocket-tunnel/internal/signaling"
	"github.com/1ureka/pocket-tunnel/internal/transport"
	"github.com/1ureka/pocket-tunnel/internal/tunnel"
	"github.com/1ureka/pocket-tunnel/internal/util"
)

const shutdownTimeout = 5 * time.Second

// Server is a relay bound to one registry of tunnels.
type Server struct {
	cfg      config.RelayConfig
	registry *tunnel.Registry
	handler  *tunnel.Handler
}

// New creates a relay that authenticates clients with res.
func New(cfg config.RelayConfig, res tunnel.Resolver) *Server {
	reg := tunnel.NewRegistry()
	return &Server{
		cfg:      cfg,
		registry: reg,
		handler:  tunnel.NewHandler(reg, res),
	}
}

// Registry exposes the live tunnels.
func (s *Server) Registry() *tunnel.Registry {
	return s.registry
}

// Routes returns the HTTP handler for both endpoints. Connections accepted
// through it live until ctx is cancelled or they close.
func (s *Server) Routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		sock, err := transport.Upgrade(ctx, w, r)
		if err != nil {
			util.LogDebug("tunnel upgrade from %s failed: %v", r.RemoteAddr, err)
			return
		}
		util.LogDebug("websocket carrier from %s", sock.RemoteAddr())
		s.handler.Serve(ctx, sock)
	})

	mux.HandleFunc("/signal", func(w http.ResponseWriter, r *http.Request) {
		peer, err := signaling.Accept(ctx, w, r)
		if err != nil {
			util.LogWarning("webrtc carrier from %s failed: %v", r.RemoteAddr, err)
			return
		}
		util.LogDebug("webrtc carrier from %s", r.RemoteAddr)
		s.handler.Serve(ctx, peer)
	})

	return mux
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled. The idle reaper runs for as long as the server does.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go tunnel.RunReaper(ctx, s.registry, s.cfg.ReapInterval, s.cfg.IdleTimeout)

	srv := &http.Server{
		Handler:           s.Routes(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("relay listening on %s", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
