package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neurosynth/metapub/internal/ingest"
	"github.com/neurosynth/metapub/internal/selector"
)

func tableKind(name string) (selector.TableKind, error) {
	switch strings.ToLower(name) {
	case "", "clust", "cluster":
		return selector.ClusterTable, nil
	case "focuscounter":
		return selector.FocusCounterTable, nil
	case "jackknife":
		return selector.JackknifeTable, nil
	}
	return 0, fmt.Errorf("unknown table kind %q (want clust, focuscounter or jackknife)", name)
}

func selectorOptions(cmd *cobra.Command) ([]selector.Option, error) {
	kind, _ := cmd.Flags().GetString("kind")
	table, _ := cmd.Flags().GetString("table")
	allowBare, _ := cmd.Flags().GetBool("allow-uncorrected")
	tk, err := tableKind(table)
	if err != nil {
		return nil, err
	}
	opts := []selector.Option{selector.WithTable(tk), selector.RequireCorrected(!allowBare)}
	if kind != "" {
		opts = append(opts, selector.WithBaseKind(kind))
	}
	return opts, nil
}

var selectCmd = &cobra.Command{
	Use:     "select <dir>",
	GroupID: "inspect",
	Short:   "Print the table a specification selects from a result directory",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specPath, _ := cmd.Flags().GetString("spec")
		spec, err := loadSpec(specPath)
		if err != nil {
			return err
		}
		opts, err := selectorOptions(cmd)
		if err != nil {
			return err
		}
		files, err := ingest.ListFiles(args[0])
		if err != nil {
			return err
		}
		chosen, ok := selector.Select(files, spec, opts...)

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"selected": ok,
				"path":     chosen,
				"targets":  selector.Targets(spec, opts...),
			})
		}
		if !ok {
			return fmt.Errorf("no candidate in %s matches %s", args[0], strings.Join(selector.Targets(spec, opts...), ", "))
		}
		fmt.Println(chosen)
		return nil
	},
}

var targetsCmd = &cobra.Command{
	Use:     "targets",
	GroupID: "inspect",
	Short:   "Print the target descriptors a specification expects, in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		specPath, _ := cmd.Flags().GetString("spec")
		spec, err := loadSpec(specPath)
		if err != nil {
			return err
		}
		opts, err := selectorOptions(cmd)
		if err != nil {
			return err
		}
		targets := selector.Targets(spec, opts...)
		if jsonOutput {
			if targets == nil {
				targets = []string{}
			}
			return json.NewEncoder(os.Stdout).Encode(targets)
		}
		if spec == nil {
			fmt.Println("No specification: any corrected candidate is accepted (implicit selection).")
			return nil
		}
		for _, t := range targets {
			fmt.Println(t)
		}
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{selectCmd, targetsCmd} {
		cmd.Flags().String("spec", "", "Specification file (.yaml, .toml or .json)")
		cmd.Flags().String("kind", "", "Base image kind (default: z)")
		cmd.Flags().String("table", "clust", "Table family: clust, focuscounter or jackknife")
		cmd.Flags().Bool("allow-uncorrected", false, "Implicit selection may fall back to an uncorrected table")
	}
	rootCmd.AddCommand(selectCmd, targetsCmd)
}
