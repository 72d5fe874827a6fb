package main

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/neurosynth/metapub/internal/archive"
	"github.com/neurosynth/metapub/internal/config"
	"github.com/neurosynth/metapub/internal/publish"
	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/storage/sqlstore"
	"github.com/neurosynth/metapub/internal/taskqueue"
	"github.com/neurosynth/metapub/internal/taskqueue/natsq"
	"github.com/neurosynth/metapub/internal/telemetry"
	"github.com/neurosynth/metapub/internal/types"
)

// openStore opens the configured record store.
func openStore() (storage.Store, error) {
	s, err := sqlstore.Open(rootCtx, sqlstore.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return telemetry.WrapStore(s), nil
}

// queue bundles the task transport with whatever must be torn down after it.
type queue struct {
	cfg       *taskqueue.Config
	transport *natsq.Transport
	server    *natsq.Server
	conn      *nats.Conn
}

// connectQueue connects to NATS, starting an embedded server when
// embedded is set (or configured) and no external URL is given.
func connectQueue(embedded bool) (*queue, error) {
	q := &queue{cfg: taskqueue.DefaultConfig()}

	switch {
	case cfg.NATS.URL != "":
		opts := []nats.Option{nats.Name("metapub")}
		if cfg.NATS.Token != "" {
			opts = append(opts, nats.Token(cfg.NATS.Token))
		}
		nc, err := nats.Connect(cfg.NATS.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		q.conn = nc
	case embedded || cfg.UseEmbeddedNATS():
		srv, err := natsq.StartServer(natsq.ServerConfig{
			Host:     cfg.NATS.Host,
			Port:     cfg.NATS.Port,
			StoreDir: cfg.NATS.StoreDir,
			Token:    cfg.NATS.Token,
		})
		if errors.Is(err, natsq.ErrStoreLocked) {
			WarnError("NATS store %s is held by another process; connecting to it", cfg.NATS.StoreDir)
			return connectLocal(q)
		}
		if err != nil {
			return nil, err
		}
		q.server = srv
		log.Info("embedded NATS started", "url", srv.ClientURL(), "store", cfg.NATS.StoreDir)
	default:
		return nil, fmt.Errorf("no NATS url configured and embedded NATS is disabled")
	}

	t, err := natsq.New(q.natsConn(), q.cfg)
	if err != nil {
		q.Close()
		return nil, err
	}
	q.transport = t
	return q, nil
}

func connectLocal(q *queue) (*queue, error) {
	url := fmt.Sprintf("nats://%s:%d", cfg.NATS.Host, cfg.NATS.Port)
	opts := []nats.Option{nats.Name("metapub")}
	if cfg.NATS.Token != "" {
		opts = append(opts, nats.Token(cfg.NATS.Token))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("embedded NATS store is in use but %s is unreachable: %w", url, err)
	}
	q.conn = nc
	t, err := natsq.New(nc, q.cfg)
	if err != nil {
		q.Close()
		return nil, err
	}
	q.transport = t
	return q, nil
}

func (q *queue) natsConn() *nats.Conn {
	if q.server != nil {
		return q.server.Conn()
	}
	return q.conn
}

func (q *queue) client() *taskqueue.Client {
	return taskqueue.NewClient(q.cfg, q.transport, log)
}

func (q *queue) Close() {
	if q.transport != nil {
		_ = q.transport.Close()
	}
	if q.conn != nil {
		q.conn.Close()
	}
	if q.server != nil {
		q.server.Shutdown()
	}
}

// requireArchives checks that both archives can be written to. A worker
// without one of them would fail every task bound for it.
func requireArchives() error {
	return errors.Join(cfg.RequireImageArchive(), cfg.RequireStudyArchive())
}

// newPublisher builds a publisher over the configured archives.
func newPublisher(store storage.Store) (*publish.Publisher, error) {
	if err := requireArchives(); err != nil {
		return nil, err
	}
	breaker := archive.BreakerSettings{Log: log}
	images := archive.GuardImages(
		archive.NewImageClient(cfg.ImageArchive.URL, cfg.ImageArchive.Token).
			WithHTTPClient(telemetry.HTTPClient(cfg.ImageArchive.Timeout)),
		breaker)
	studies := archive.GuardStudies(
		archive.NewStudyClient(cfg.StudyArchive.URL, cfg.StudyArchive.Token).
			WithHTTPClient(telemetry.HTTPClient(cfg.StudyArchive.Timeout)),
		breaker)
	return publish.New(store, images, studies,
		publish.WithLogger(log),
		publish.WithConfig(publishConfig(cfg.Publish))), nil
}

func publishConfig(p config.PublishConfig) publish.Config {
	return publish.Config{
		CollectionNameMaxLen:  p.CollectionNameMaxLen,
		CollectionMaxAttempts: p.CollectionMaxAttempts,
		Modality:              p.Modality,
		AnalysisLevel:         p.AnalysisLevel,
		CognitiveParadigm:     p.CognitiveParadigm,
		NSubjects:             p.NSubjects,
	}
}

// loadSpec loads a specification file; an empty path means "implicit".
func loadSpec(path string) (*types.Specification, error) {
	if path == "" {
		return nil, nil
	}
	return types.LoadSpecification(path)
}
