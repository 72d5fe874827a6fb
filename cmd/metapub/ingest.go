package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neurosynth/metapub/internal/ingest"
)

func ingestRequest(cmd *cobra.Command, dir string) (ingest.Request, error) {
	resultID, _ := cmd.Flags().GetString("result")
	metaAnalysis, _ := cmd.Flags().GetString("meta-analysis")
	name, _ := cmd.Flags().GetString("name")
	description, _ := cmd.Flags().GetString("description")
	sourceURL, _ := cmd.Flags().GetString("source-url")
	specPath, _ := cmd.Flags().GetString("spec")

	abs, err := filepath.Abs(dir)
	if err != nil {
		return ingest.Request{}, err
	}
	if resultID == "" {
		resultID = filepath.Base(abs)
	}
	spec, err := loadSpec(specPath)
	if err != nil {
		return ingest.Request{}, err
	}
	return ingest.Request{
		ResultID:       resultID,
		MetaAnalysisID: metaAnalysis,
		Name:           name,
		Description:    description,
		SourceURL:      sourceURL,
		Dir:            abs,
		Spec:           spec,
	}, nil
}

func addIngestFlags(cmd *cobra.Command) {
	cmd.Flags().String("result", "", "Result id (default: directory name)")
	cmd.Flags().String("meta-analysis", "", "Owning meta-analysis id")
	cmd.Flags().String("name", "", "Meta-analysis display name")
	cmd.Flags().String("description", "", "Result description")
	cmd.Flags().String("source-url", "", "Link back to the result")
	cmd.Flags().String("spec", "", "Specification file (.yaml, .toml or .json); omit for implicit selection")
}

func printSummary(sum *ingest.Summary) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		return
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Ingested %s: %d image(s), %d task(s) enqueued\n",
		green("✓"), sum.ResultID, len(sum.ImageUploads), len(sum.Enqueued))
	if len(sum.Skipped) > 0 {
		fmt.Printf("  %d image(s) already published or in flight\n", len(sum.Skipped))
	}
	if sum.StudyPending {
		fmt.Println("  Study publish already queued")
	}
	if sum.ClusterTable == "" {
		fmt.Println(color.YellowString("  No cluster table matched; study publish skipped"))
	} else {
		fmt.Printf("  Cluster table: %s\n", filepath.Base(sum.ClusterTable))
	}
}

var ingestCmd = &cobra.Command{
	Use:     "ingest <dir>",
	GroupID: "run",
	Short:   "Register a result directory and enqueue its publication",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := ingestRequest(cmd, args[0])
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		q, err := connectQueue(false)
		if err != nil {
			return err
		}
		defer q.Close()

		sum, err := ingest.New(store, q.client(), log).Ingest(rootCtx, req)
		if err != nil {
			return err
		}
		printSummary(sum)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch <dir>",
	GroupID: "run",
	Short:   "Ingest a result directory whenever it settles after changes",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := ingestRequest(cmd, args[0])
		if err != nil {
			return err
		}
		debounce, _ := cmd.Flags().GetDuration("debounce")
		if debounce <= 0 {
			debounce = cfg.Watch.Debounce
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		q, err := connectQueue(false)
		if err != nil {
			return err
		}
		defer q.Close()

		in := ingest.New(store, q.client(), log)
		w := &ingest.Watcher{
			Dir:      req.Dir,
			Debounce: debounce,
			Log:      log,
			OnQuiet: func(ctx context.Context) error {
				sum, err := in.Ingest(ctx, req)
				if err != nil {
					return err
				}
				printSummary(sum)
				return nil
			},
		}
		fmt.Fprintf(os.Stderr, "Watching %s... (Press Ctrl+C to exit)\n", req.Dir)
		return w.Run(rootCtx)
	},
}

func init() {
	addIngestFlags(ingestCmd)
	addIngestFlags(watchCmd)
	watchCmd.Flags().Duration("debounce", 0, "Quiet period before ingesting (default: watch.debounce)")
	rootCmd.AddCommand(ingestCmd, watchCmd)
}
