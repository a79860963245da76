package collective

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer is an in-process NATS server with JetStream enabled,
// hosting the streams of worker groups.
type EmbeddedServer struct {
	server *server.Server
}

// ServerOptions configures an EmbeddedServer.
type ServerOptions struct {
	Host string
	// Port to listen on; -1 picks a free one.
	Port     int
	StoreDir string
	// MaxMemory bounds JetStream memory storage in bytes.
	MaxMemory int64
}

// StartServer starts an embedded server and waits until it accepts
// connections.
func StartServer(opts ServerOptions) (*EmbeddedServer, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = -1
	}
	if opts.MaxMemory == 0 {
		opts.MaxMemory = 1 << 30
	}
	ns, err := server.NewServer(&server.Options{
		ServerName:         "movielens-group",
		Host:               opts.Host,
		Port:               opts.Port,
		JetStream:          true,
		StoreDir:           opts.StoreDir,
		JetStreamMaxMemory: opts.MaxMemory,
		JetStreamMaxStore:  opts.MaxMemory,
		MaxPayload:         8 * 1024 * 1024,
		NoLog:              true,
		NoSigs:             true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("NATS server not ready within timeout")
	}
	return &EmbeddedServer{server: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
