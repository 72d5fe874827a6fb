package natsq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultPort is the default TCP port for the embedded server.
	DefaultPort = 4222

	// DefaultMaxMem is the default JetStream memory limit (256 MiB).
	DefaultMaxMem = 256 << 20

	// DefaultMaxStore is the default JetStream file storage limit (1 GiB).
	DefaultMaxStore = 1 << 30

	lockFile = "metapub-nats.lock"
)

// ErrStoreLocked is returned when another process already serves the
// store directory.
var ErrStoreLocked = errors.New("NATS store directory is in use by another process")

// ServerConfig configures the embedded NATS server.
type ServerConfig struct {
	Host     string // listen host (default 127.0.0.1)
	Port     int    // TCP port; -1 picks a free port
	StoreDir string // JetStream file storage directory
	Token    string // client auth token, optional
}

// Server is an embedded NATS server with JetStream, used when the worker
// runs without an external broker.
type Server struct {
	server *server.Server
	conn   *nats.Conn
	lock   *flock.Flock
}

// StartServer starts the server and opens an in-process client connection.
func StartServer(cfg ServerConfig) (*Server, error) {
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("NATS store dir is required")
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("create NATS store dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.StoreDir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock NATS store dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStoreLocked, cfg.StoreDir)
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	opts := &server.Options{
		ServerName:         "metapub",
		Host:               host,
		Port:               port,
		JetStream:          true,
		JetStreamMaxMemory: DefaultMaxMem,
		JetStreamMaxStore:  DefaultMaxStore,
		StoreDir:           cfg.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		_ = lock.Unlock()
		return nil, fmt.Errorf("NATS server failed to become ready within 10 seconds")
	}

	connectOpts := []nats.Option{nats.Name("metapub-internal")}
	if cfg.Token != "" {
		connectOpts = append(connectOpts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(ns.ClientURL(), connectOpts...)
	if err != nil {
		ns.Shutdown()
		_ = lock.Unlock()
		return nil, fmt.Errorf("in-process NATS connection: %w", err)
	}

	return &Server{server: ns, conn: nc, lock: lock}, nil
}

// Conn returns the in-process connection.
func (s *Server) Conn() *nats.Conn { return s.conn }

// ClientURL returns the URL external clients connect to.
func (s *Server) ClientURL() string { return s.server.ClientURL() }

// Shutdown drains the in-process connection, stops the server and
// releases the store lock.
func (s *Server) Shutdown() {
	if s.conn != nil {
		_ = s.conn.Drain()
		s.conn.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}
