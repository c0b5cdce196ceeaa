package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/devblac/game-indexer/internal/chain"
	"github.com/devblac/game-indexer/internal/config"
	"github.com/devblac/game-indexer/internal/notify"
	"github.com/spf13/cobra"
)

const defaultRPCTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, sinks and the RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		if _, err := chain.LoadABI(cfg.Source.ABIPath); err != nil {
			return err
		}
		sinks, err := notify.BuildAll(cfg.Sinks)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sinks OK (%d)\n", len(sinks))

		ctx, cancel := context.WithTimeout(cmd.Context(), defaultRPCTimeout)
		defer cancel()
		if err := pingSource(ctx, out, cfg.Source); err != nil {
			fmt.Fprintf(out, "- source %s: ERROR %v\n", cfg.Source.ID, err)
			return fmt.Errorf("validate: source %s failed connectivity", cfg.Source.ID)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func pingSource(ctx context.Context, out io.Writer, src config.Source) error {
	cli, err := chain.NewRPCClient(src.RPCURL)
	if err != nil {
		return err
	}
	defer cli.Close()

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	head, err := cli.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("latest header: %w", err)
	}
	code, err := cli.CodeAt(ctx, src.ContractAddress(), nil)
	if err != nil {
		return fmt.Errorf("contract code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("no contract deployed at %s", src.ContractAddress().Hex())
	}
	fmt.Fprintf(out, "- source %s: chainId %s head %d contract %s OK\n", src.ID, chainID, head.Number.Uint64(), src.ContractAddress().Hex())
	return nil
}
