package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neurosynth/metapub/internal/ingest"
)

var publishCmd = &cobra.Command{
	Use:     "publish",
	GroupID: "run",
	Short:   "Enqueue a single image or study publication",
}

func enqueueOne(task string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		q, err := connectQueue(false)
		if err != nil {
			return err
		}
		defer q.Close()

		r, err := q.client().Enqueue(rootCtx, task, map[string]string{ingest.ArgUploadID: args[0]})
		if err != nil {
			return err
		}
		if jsonOutput {
			fmt.Printf("{\"task_id\":%q,\"queue\":%q}\n", r.TaskID, r.Queue)
			return nil
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Enqueued %s for %s on %s (task %s)\n", green("✓"), task, args[0], r.Queue, r.TaskID)
		return nil
	}
}

var publishImageCmd = &cobra.Command{
	Use:   "image <upload-id>",
	Short: "Enqueue publication of one image upload",
	Args:  cobra.ExactArgs(1),
	RunE:  enqueueOne(ingest.TaskPublishImage),
}

var publishStudyCmd = &cobra.Command{
	Use:   "study <upload-id>",
	Short: "Enqueue publication of one study upload",
	Args:  cobra.ExactArgs(1),
	RunE:  enqueueOne(ingest.TaskPublishStudy),
}

func init() {
	publishCmd.AddCommand(publishImageCmd, publishStudyCmd)
	rootCmd.AddCommand(publishCmd)
}
