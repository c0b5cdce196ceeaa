package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/devblac/game-indexer/internal/logging"
	"github.com/devblac/game-indexer/internal/projection"
	"github.com/devblac/game-indexer/internal/query"
	"github.com/devblac/game-indexer/internal/storage"
	"github.com/spf13/cobra"
)

var (
	exportView   string
	exportEvents bool
	exportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&exportView, "view", "committed", "Projection view (committed or inblock)")
	exportCmd.Flags().BoolVar(&exportEvents, "events", false, "Export the raw event log as JSON lines instead of games")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default stdout)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export games or the event log as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		view, err := projection.ParseView(exportView)
		if err != nil {
			return err
		}
		_, store, proj, err := openReadOnly(ctx, logging.NewWriter(io.Discard, "error", "text"))
		if err != nil {
			return err
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOut, err)
			}
			defer f.Close()
			out = f
		}

		enc := json.NewEncoder(out)
		if !exportEvents {
			enc.SetIndent("", "  ")
			return enc.Encode(proj.Snapshot(view))
		}
		for ev, err := range store.Iterate(ctx, 0, storage.Unbounded) {
			if err != nil {
				return err
			}
			if err := enc.Encode(query.GameEvent{ID: ev.ID(), Kind: ev.Kind(), Event: ev}); err != nil {
				return err
			}
		}
		return nil
	},
}
