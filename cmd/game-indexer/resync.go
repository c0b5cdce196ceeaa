package main

import (
	"errors"
	"fmt"

	"github.com/devblac/game-indexer/internal/config"
	"github.com/devblac/game-indexer/internal/storage"
	"github.com/spf13/cobra"
)

var resyncYes bool

func init() {
	resyncCmd.Flags().BoolVar(&resyncYes, "yes", false, "Confirm wiping the event store")
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Wipe the event store so the next run starts from start_block",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resyncYes {
			return errors.New("resync deletes every stored event; pass --yes to confirm")
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		if err := store.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "resync: store %s cleared, next run starts at %q\n", cfg.Global.DBPath, cfg.Source.StartBlock)
		return nil
	},
}
