package main

import (
	"github.com/spf13/cobra"

	"github.com/neurosynth/metapub/internal/ingest"
	"github.com/neurosynth/metapub/internal/taskqueue"
	"github.com/neurosynth/metapub/internal/telemetry"
)

var workerCmd = &cobra.Command{
	Use:     "worker",
	GroupID: "run",
	Short:   "Run publication workers until interrupted",
	Long: `Run publication workers until interrupted.

Workers consume publish.image and publish.study tasks. Queues are polled in
priority order; each queue's rate limit, timeouts and retry policy apply.
With --embedded-nats (or nats.embedded in config and no nats.url) the
worker hosts the JetStream server itself. Both archive tokens must be
configured; the worker refuses to start without them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		embedded, _ := cmd.Flags().GetBool("embedded-nats")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		if concurrency <= 0 {
			concurrency = cfg.Worker.Concurrency
		}

		if err := requireArchives(); err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		q, err := connectQueue(embedded)
		if err != nil {
			return err
		}
		defer q.Close()

		w := taskqueue.NewWorker(q.cfg, q.transport,
			taskqueue.WithConcurrency(concurrency),
			taskqueue.WithWorkerLogger(log),
			taskqueue.WithMonitor(telemetry.NewTaskMonitor()),
		)
		pub, err := newPublisher(store)
		if err != nil {
			return err
		}
		ingest.Register(w, pub, store)

		return w.Run(rootCtx)
	},
}

func init() {
	workerCmd.Flags().Bool("embedded-nats", false, "Start an embedded NATS JetStream server")
	workerCmd.Flags().Int("concurrency", 0, "Concurrent tasks (default: worker.concurrency)")
	rootCmd.AddCommand(workerCmd)
}
