package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1
global:
  db_path: game-indexer.db
  confirmations: 12
  max_reorg_depth: 128
  batch_blocks: 100
  poll_interval: 2s
source:
  id: sepolia
  rpc_url: ${RPC_URL}
  contract: "0x0000000000000000000000000000000000000000"
  start_block: "latest-1000"
api:
  addr: ":8081"
sinks: []
#  - id: ops
#    type: slack
#    webhook_url: ${SLACK_WEBHOOK_URL}
#    events: [game_ended, game_corrupt]
#    where: ["entry_fee >= ether(0.1)"]
#    rate_limit: {capacity: 5, per_second: 0.5}
`

const sampleEnv = "RPC_URL=https://sepolia.example/rpc\n"

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config and .env",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, f := range []struct{ path, body string }{
			{cfgPath, sampleConfig},
			{".env", sampleEnv},
		} {
			if err := writeFile(f.path, f.body, initForce); err != nil {
				if errors.Is(err, fs.ErrExist) {
					fmt.Fprintf(out, "skip %s (exists, use --force)\n", f.path)
					continue
				}
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", f.path)
		}
		return nil
	},
}

func writeFile(path, body string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(body); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
