package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neurosynth/metapub/internal/storage"
	"github.com/neurosynth/metapub/internal/types"
)

type statusView struct {
	Result *types.Result        `json:"result"`
	Images []*types.ImageUpload `json:"images"`
	Study  *types.StudyUpload   `json:"study,omitempty"`
}

func renderStatus(s types.Status) string {
	switch s {
	case types.StatusOK:
		return color.GreenString(string(s))
	case types.StatusFailed:
		return color.RedString(string(s))
	}
	return color.YellowString(string(s))
}

var statusCmd = &cobra.Command{
	Use:     "status <result-id>",
	GroupID: "inspect",
	Short:   "Show the publication state of a result",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		res, err := store.GetResult(rootCtx, args[0])
		if errors.Is(err, storage.ErrRecordNotFound) {
			FatalErrorWithHint(fmt.Sprintf("result %s not found", args[0]), "Run 'metapub ingest <dir> --result "+args[0]+"' first")
		}
		if err != nil {
			return err
		}
		view := statusView{Result: res}
		if view.Images, err = store.ListImageUploads(rootCtx, res.ID); err != nil {
			return err
		}
		view.Study, err = store.GetStudyUploadForResult(rootCtx, res.ID)
		if err != nil && !errors.Is(err, storage.ErrRecordNotFound) {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("%s %s (%s)\n", bold("Result"), res.ID, res.DisplayName())
		if res.CollectionID != nil {
			fmt.Printf("  Collection: %s %q\n", *res.CollectionID, res.CollectionName)
		}
		if res.ClusterTable != "" {
			fmt.Printf("  Cluster table: %s\n", res.ClusterTable)
		}

		fmt.Printf("\n%s\n", bold("IMAGES"))
		if len(view.Images) == 0 {
			fmt.Println("  (none)")
		}
		for _, img := range view.Images {
			fmt.Printf("  %-8s %s", renderStatus(img.Status), img.Filename)
			if img.URL != "" {
				fmt.Printf("  %s", img.URL)
			}
			fmt.Println()
			if img.Status == types.StatusFailed && img.Traceback != nil {
				fmt.Printf("           %s\n", color.RedString(*img.Traceback))
			}
		}

		fmt.Printf("\n%s\n", bold("STUDY"))
		if view.Study == nil {
			fmt.Println("  (not registered)")
			return nil
		}
		fmt.Printf("  %-8s %s", renderStatus(view.Study.Status), view.Study.ID)
		if view.Study.ExternalID != nil {
			fmt.Printf("  analysis %s", *view.Study.ExternalID)
		}
		fmt.Println()
		if view.Study.Status == types.StatusFailed && view.Study.Traceback != nil {
			fmt.Printf("           %s\n", color.RedString(*view.Study.Traceback))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
