package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/devblac/game-indexer/internal/logging"
	"github.com/devblac/game-indexer/internal/query"
	"github.com/spf13/cobra"
)

var stateJSON bool

func init() {
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "Print as JSON")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show cursor, finality watermark and corrupt games",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, store, proj, err := openReadOnly(ctx, logging.NewWriter(io.Discard, "error", "text"))
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := query.NewService(cfg.Source.ID, proj, store, nil).Status(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if stateJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		earliest, _, err := store.EarliestBlock(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "source:     %s\n", st.Source)
		fmt.Fprintf(out, "cursor:     %d %s\n", st.Cursor, st.CursorHash)
		fmt.Fprintf(out, "finalized:  %d (lag %d)\n", st.Finalized, st.Cursor-min(st.Cursor, st.Finalized))
		fmt.Fprintf(out, "events:     %d\n", st.Events)
		fmt.Fprintf(out, "blocks:     %d retained from %d\n", st.Blocks, earliest)
		fmt.Fprintf(out, "corrupt:    %d %v\n", len(st.CorruptGames), st.CorruptGames)
		return nil
	},
}
