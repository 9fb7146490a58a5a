package events

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// readyTimeout bounds the embedded server start.
const readyTimeout = 5 * time.Second

// EmbeddedServer runs a NATS server inside the process for single-host
// deployments.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// StartEmbedded starts a loopback-only NATS server on port. A port of -1
// picks a free one.
func StartEmbedded(port int, log *slog.Logger) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("events: create embedded nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("events: embedded nats server did not become ready")
	}
	log.Info("events: embedded nats server started", "url", ns.ClientURL())
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the URL publishers connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("events: shutting down embedded nats server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
