package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/correlator-io/seeder/internal/catalog"
	"github.com/correlator-io/seeder/internal/config"
	"github.com/correlator-io/seeder/internal/storage"
)

// catalogStatus is the output of `seeder status`.
type catalogStatus struct {
	Path       string          `json:"path"`
	Catalog    catalog.Summary `json:"catalog"`
	Sources    []string        `json:"sources"`
	Engines    []string        `json:"engines"`
	Strategies []string        `json:"strategies"`
	Database   bool            `json:"database_configured"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a summary of the catalog",
		Long: `Load the catalog without running anything and print what it registers.
Use it to check a catalog file before serving it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printStatus(cmd.OutOrStdout())
		},
	}
}

func printStatus(out io.Writer) error {
	path := config.GetEnvStr(catalog.PathEnvVar, catalog.DefaultPath)

	cat, err := catalog.Load(path)
	if err != nil {
		return err
	}

	status := catalogStatus{
		Path:       path,
		Catalog:    cat.Summary(),
		Sources:    make([]string, 0, len(cat.Sources)),
		Engines:    make([]string, 0, len(cat.Engines)),
		Strategies: make([]string, 0, len(cat.Strategies)),
		Database:   storage.LoadConfig().Configured(),
	}

	for _, s := range cat.Sources {
		status.Sources = append(status.Sources, s.ID)
	}

	for _, e := range cat.Engines {
		status.Engines = append(status.Engines, e.Engine)
	}

	for _, s := range cat.Strategies {
		status.Strategies = append(status.Strategies, s.Name)
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(status); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}

	return nil
}
