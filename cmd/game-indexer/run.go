package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/devblac/game-indexer/internal/chain"
	"github.com/devblac/game-indexer/internal/config"
	"github.com/devblac/game-indexer/internal/engine"
	"github.com/devblac/game-indexer/internal/health"
	"github.com/devblac/game-indexer/internal/metrics"
	"github.com/devblac/game-indexer/internal/notify"
	"github.com/devblac/game-indexer/internal/projection"
	"github.com/devblac/game-indexer/internal/query"
	"github.com/devblac/game-indexer/internal/reorg"
	"github.com/devblac/game-indexer/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagNoAPI   bool
	flagFrom    uint64
	flagTo      uint64
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Process one batch and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send to sinks")
	runCmd.Flags().BoolVar(&flagNoAPI, "no-api", false, "Do not serve the query API")
	runCmd.Flags().Uint64Var(&flagFrom, "from", 0, "Start height override when no cursor exists")
	runCmd.Flags().Uint64Var(&flagTo, "to", 0, "Stop at height (inclusive)")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Index the contract and serve the query API",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		cli, err := chain.NewRPCClient(cfg.Source.RPCURL)
		if err != nil {
			return err
		}
		defer cli.Close()

		contractABI, err := chain.LoadABI(cfg.Source.ABIPath)
		if err != nil {
			return err
		}
		dec, err := chain.NewDecoder(contractABI)
		if err != nil {
			return err
		}
		src := chain.NewSource(cli, cfg.Source.ContractAddress())
		proj := projection.New(log)
		coord := reorg.NewCoordinator(cfg.Source.ID, src, store, proj, log)

		sinks, err := notify.BuildAll(cfg.Sinks)
		if err != nil {
			return err
		}

		opts, err := engine.OptionsFromConfig(cfg)
		if err != nil {
			return err
		}
		opts.Log = log
		opts.DryRun = flagDryRun
		opts.To = flagTo
		if flagFrom > 0 {
			opts.StartBlock = config.StartBlock{Height: flagFrom}
		}

		if flagMetrics != "" {
			opts.Metrics = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
			msrv := serveMetrics(flagMetrics, log)
			defer shutdown(msrv)
		}

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(map[string]chain.BlockClient{cfg.Source.ID: cli})
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  store.Ping,
				RPCPing: rpcChecker.Ping,
				State:   func() string { return coord.State().String() },
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		runner := engine.NewRunner(store, src, dec, proj, coord, sinks, opts)
		if _, err := runner.Recover(ctx); err != nil {
			return err
		}

		if flagOnce {
			n, err := runner.RunOnce(ctx)
			if err != nil {
				return err
			}
			log.Info("pass complete", "blocks", n, "dry_run", flagDryRun)
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		var api *http.Server
		if !flagNoAPI {
			gin.SetMode(gin.ReleaseMode)
			api = &http.Server{
				Addr:              cfg.API.Addr,
				Handler:           query.NewRouter(query.NewService(cfg.Source.ID, proj, store, coord)),
				ReadHeaderTimeout: 3 * time.Second,
			}
			log.Info("query api enabled", "addr", cfg.API.Addr)
			g.Go(func() error {
				if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("query api: %w", err)
				}
				return nil
			})
		}
		g.Go(func() error {
			err := runner.Run(gctx)
			if api != nil {
				shutdown(api)
			}
			return err
		})
		return g.Wait()
	},
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
