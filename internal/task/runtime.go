package task

import (
	"log/slog"
	"os"

	"github.com/loykin/agentd/internal/config"
	"github.com/loykin/agentd/internal/env"
	agenttls "github.com/loykin/agentd/internal/tls"
	"github.com/loykin/agentd/pkg/client"
)

// NewRuntime builds the runtime of a task process from the daemon's config.
// The socket exported by the daemon in AGENTD_SOCKET wins over the
// configured one.
func NewRuntime(cfg *config.Config, logger *slog.Logger) *Runtime {
	socket := cfg.Server.Socket
	if s := os.Getenv(env.SocketVar); s != "" {
		socket = s
	}
	local := client.New(client.Config{Socket: socket, Logger: logger})

	var remoteTLS *client.TLSClientConfig
	if ca := agenttls.CAFile(cfg.Server.TLS); ca != "" {
		remoteTLS = &client.TLSClientConfig{CACert: ca}
	}
	remote := func(host string) Peer {
		return client.New(client.Config{BaseURL: host, Timeout: cfg.Fleet.Timeout, Logger: logger, TLS: remoteTLS})
	}
	return &Runtime{
		Local:       local,
		Remote:      remote,
		Hosts:       cfg.Fleet.Hosts,
		WorkerDir:   cfg.Worker.Dir,
		MinInterval: cfg.Worker.MinInterval,
		MaxInterval: cfg.Worker.MaxInterval,
		Logger:      logger,
	}
}
