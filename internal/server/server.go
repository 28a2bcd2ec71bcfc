package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/agentd/internal/dispatch"
)

// Options configures the two channels.
type Options struct {
	// Listen is the public TCP address.
	Listen string
	// Socket is the privileged unix socket path. It is created with mode
	// 0600 so only the daemon's user (and root) can reach it.
	Socket string
	// TLS, when set, wraps the public listener.
	TLS    *tls.Config
	Logger *slog.Logger
}

// Server serves one dispatcher on the public TCP channel and the
// privileged unix socket channel. Both accept loops keep running until
// Shutdown; a failed request never ends them.
type Server struct {
	opts Options
	log  *slog.Logger

	pub, priv     *http.Server
	pubLn, privLn net.Listener

	stop     chan struct{}
	stopOnce sync.Once
	errc     chan error
}

func New(o Options) *Server {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Server{
		opts: o,
		log:  o.Logger.With("component", "server"),
		stop: make(chan struct{}),
		errc: make(chan error, 2),
	}
}

// Trigger requests a shutdown. It never blocks and may be called repeatedly.
func (s *Server) Trigger() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Stopped is closed once a shutdown was requested.
func (s *Server) Stopped() <-chan struct{} { return s.stop }

// Errors reports accept loop failures. A failure also triggers a shutdown.
func (s *Server) Errors() <-chan error { return s.errc }

func newHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Start binds both listeners and serves d on them in the background.
func (s *Server) Start(d *dispatch.Dispatcher) error {
	privLn, err := listenUnix(s.opts.Socket)
	if err != nil {
		return err
	}
	pubLn, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		_ = privLn.Close()
		_ = os.Remove(s.opts.Socket)
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	if s.opts.TLS != nil {
		pubLn = tls.NewListener(pubLn, s.opts.TLS)
	}
	s.pubLn, s.privLn = pubLn, privLn
	s.pub = newHTTPServer(NewRouter(d, dispatch.Public, "", s.opts.Logger).Handler())
	s.priv = newHTTPServer(NewRouter(d, dispatch.Privileged, "", s.opts.Logger).Handler())

	go s.serve(s.pub, pubLn, "public")
	go s.serve(s.priv, privLn, "privileged")
	s.log.Info("listening", "public", pubLn.Addr().String(), "tls", s.opts.TLS != nil, "socket", s.opts.Socket)
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("accept loop failed", "channel", name, "error", err)
		s.errc <- fmt.Errorf("%s channel: %w", name, err)
		s.Trigger()
	}
}

// PublicAddr returns the bound public address, useful with port 0.
func (s *Server) PublicAddr() net.Addr {
	if s.pubLn == nil {
		return nil
	}
	return s.pubLn.Addr()
}

// Shutdown gracefully stops both channels and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Trigger()
	var errs []error
	for _, srv := range []*http.Server{s.pub, s.priv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.opts.Socket != "" {
		if err := os.Remove(s.opts.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// listenUnix binds path after removing a stale socket left by a crashed
// daemon. The registry lock is taken before this, so a live daemon cannot
// own the path.
func listenUnix(path string) (net.Listener, error) {
	if path == "" {
		return nil, errors.New("empty socket path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}
