package bridge

import (
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedBroker runs an in-process NATS server for deployments that
// don't want to stand up an external broker just to bridge a handful
// of chat channels.
type EmbeddedBroker struct {
	srv *server.Server
}

// StartEmbeddedBroker starts an in-process NATS server bound to an
// ephemeral port and blocks until it's ready for connections.
func StartEmbeddedBroker() (*EmbeddedBroker, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           -1, // random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("start embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}
	return &EmbeddedBroker{srv: srv}, nil
}

// ClientURL returns the URL a nats.go client should dial.
func (b *EmbeddedBroker) ClientURL() string { return b.srv.ClientURL() }

// Connect dials this broker and returns a ready client connection.
func (b *EmbeddedBroker) Connect() (*nc.Conn, error) {
	return nc.Connect(b.ClientURL())
}

// Shutdown stops the embedded broker.
func (b *EmbeddedBroker) Shutdown() { b.srv.Shutdown() }
