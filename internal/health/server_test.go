package health

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devblac/game-indexer/internal/chain"
	"github.com/devblac/game-indexer/internal/chain/chaintest"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		checker  Checker
		wantCode int
		wantDB   string
		wantRPC  string
		wantSync string
	}{
		{
			name: "all_ok",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return nil },
				RPCPing: func(ctx context.Context) error { return nil },
				State:   func() string { return "SYNCED" },
			},
			wantCode: http.StatusOK,
			wantDB:   "ok",
			wantRPC:  "ok",
			wantSync: "SYNCED",
		},
		{
			name: "db_fail",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return context.DeadlineExceeded },
				RPCPing: func(ctx context.Context) error { return nil },
			},
			wantCode: http.StatusServiceUnavailable,
			wantDB:   "fail",
			wantRPC:  "ok",
		},
		{
			name: "rpc_fail",
			checker: Checker{
				DBPing:  func(ctx context.Context) error { return nil },
				RPCPing: func(ctx context.Context) error { return context.DeadlineExceeded },
			},
			wantCode: http.StatusServiceUnavailable,
			wantDB:   "ok",
			wantRPC:  "fail",
		},
		{
			name: "diverged_is_still_healthy",
			checker: Checker{
				DBPing: func(ctx context.Context) error { return nil },
				State:  func() string { return "DIVERGED" },
			},
			wantCode: http.StatusOK,
			wantDB:   "ok",
			wantSync: "DIVERGED",
		},
		{
			name:     "no_checkers",
			checker:  Checker{},
			wantCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost/healthz", nil)
			w := httptest.NewRecorder()

			Handler(tt.checker).ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}

			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}

			if resp["status"] != "ok" {
				t.Errorf("status = %q, want ok", resp["status"])
			}
			if tt.wantDB != "" && resp["db"] != tt.wantDB {
				t.Errorf("db = %q, want %q", resp["db"], tt.wantDB)
			}
			if tt.wantRPC != "" && resp["rpc"] != tt.wantRPC {
				t.Errorf("rpc = %q, want %q", resp["rpc"], tt.wantRPC)
			}
			if resp["sync"] != tt.wantSync {
				t.Errorf("sync = %q, want %q", resp["sync"], tt.wantSync)
			}
		})
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := Serve("127.0.0.1:0", Checker{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Shutdown(ctx, srv); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

type downClient struct{}

func (downClient) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return nil, errors.New("connection refused")
}

func (downClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("connection refused")
}

func TestRPCChecker(t *testing.T) {
	c := chaintest.New()
	c.MineEmpty(3)

	ok := NewRPCChecker(map[string]chain.BlockClient{"lottery": c})
	if err := ok.Ping(context.Background()); err != nil {
		t.Fatalf("ping healthy chain: %v", err)
	}

	bad := NewRPCChecker(map[string]chain.BlockClient{"lottery": c, "mirror": downClient{}})
	if err := bad.Ping(context.Background()); err == nil {
		t.Fatalf("expected failure from unreachable source")
	}
}
