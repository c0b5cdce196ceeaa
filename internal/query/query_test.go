package query

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/devblac/game-indexer/internal/event"
	"github.com/devblac/game-indexer/internal/projection"
	"github.com/devblac/game-indexer/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	owner = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func hdr(block uint64, index uint) event.Header {
	return event.Header{
		BlockNumber: block,
		BlockHash:   common.BigToHash(big.NewInt(int64(block))),
		TxHash:      common.BigToHash(big.NewInt(int64(block)*1000 + int64(index))),
		LogIndex:    index,
	}
}

type fixture struct {
	store *storage.Store
	proj  *projection.Projector
	svc   *Service
	srv   *gin.Engine
}

// newFixture indexes three blocks: game 1 starts and ends, game 2 starts,
// and a join for the unknown game 7 lands in block 3.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store, err := storage.Open(filepath.Join(t.TempDir(), "query.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	proj := projection.New(nil)

	blocks := [][]event.Event{
		{
			event.GameStarted{Header: hdr(1, 0), GameID: big.NewInt(1), MaxPlayers: 2, EntryFee: big.NewInt(100)},
			event.OwnershipTransferred{Header: hdr(1, 1), NewOwner: owner},
		},
		{
			event.PlayerJoined{Header: hdr(2, 0), GameID: big.NewInt(1), Player: alice},
			event.GameStarted{Header: hdr(2, 1), GameID: big.NewInt(2), MaxPlayers: 3, EntryFee: big.NewInt(50)},
		},
		{
			event.GameEnded{Header: hdr(3, 0), GameID: big.NewInt(1), Winner: alice},
			event.PlayerJoined{Header: hdr(3, 1), GameID: big.NewInt(7), Player: bob},
		},
	}
	for i, evs := range blocks {
		n := uint64(i + 1)
		_, err := store.AppendBlock(ctx, "lottery", storage.BlockRecord{
			Number:     n,
			Hash:       common.BigToHash(big.NewInt(int64(n))),
			ParentHash: common.BigToHash(big.NewInt(int64(n - 1))),
		}, evs)
		require.NoError(t, err)
		for _, ev := range evs {
			_ = proj.Apply(ev)
		}
	}
	proj.SetFinalized(2)

	svc := NewService("lottery", proj, store, nil)
	return &fixture{store: store, proj: proj, svc: svc, srv: NewRouter(svc)}
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestNormalizeID(t *testing.T) {
	id, err := NormalizeID("007")
	require.NoError(t, err)
	require.Equal(t, "7", id)

	for _, bad := range []string{"", "abc", "-1", "0x10", "115792089237316195423570985008687907853269984665640564039457584007913129639936"} {
		_, err := NormalizeID(bad)
		require.ErrorIs(t, err, ErrInvalidID, bad)
	}
}

func TestServiceViews(t *testing.T) {
	f := newFixture(t)

	committed, err := f.svc.GetCommitted("1")
	require.NoError(t, err)
	require.Nil(t, committed.Winner)
	require.Equal(t, []common.Address{alice}, committed.Players)

	inBlock, err := f.svc.GetInBlock("1")
	require.NoError(t, err)
	require.NotNil(t, inBlock.Winner)
	require.Equal(t, alice, *inBlock.Winner)

	require.Equal(t, []string{"1", "2"}, f.svc.ActiveGames(projection.Committed))
	require.NotContains(t, f.svc.ActiveGames(projection.InBlock), "1")

	o, err := f.svc.Owner(projection.Committed)
	require.NoError(t, err)
	require.Equal(t, owner, o.Current)
}

func TestGetGameRoute(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/games/1?view=committed")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "1", body["id"])
	require.Nil(t, body["winner"])

	code, body = f.get(t, "/games/001")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, body["winner"])

	code, body = f.get(t, "/games/99")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["status"])

	code, _ = f.get(t, "/games/abc")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.get(t, "/games/1?view=pending")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestCorruptGameRoute(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/games/7?view=inblock")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(projection.StatusCorrupt), body["status"])

	code, _ = f.get(t, "/games/7?view=committed")
	require.Equal(t, http.StatusNotFound, code)

	f.proj.SetFinalized(3)
	code, body = f.get(t, "/games/7?view=committed")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, map[string]any{"status": "unavailable"}, body)
}

func TestListGamesRoute(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/games?active=true&view=committed")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []any{"1", "2"}, body["ids"])

	code, body = f.get(t, "/games?view=committed")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["games"], 2)
}

func TestOwnerRoute(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/owner?view=committed")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, owner.Hex(), body["owner"])
}

func TestOwnerRouteBeforeAnyTransfer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := storage.Open(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	f := &fixture{srv: NewRouter(NewService("lottery", projection.New(nil), store, nil))}

	code, body := f.get(t, "/owner")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["status"])
}

func TestEventsRoute(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/games/1/events")
	require.Equal(t, http.StatusOK, code)
	evs, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, evs, 3)
	first := evs[0].(map[string]any)
	require.Equal(t, string(event.KindGameStarted), first["kind"])
}

func TestStatusRoute(t *testing.T) {
	f := newFixture(t)

	code, body := f.get(t, "/status")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "SYNCED", body["state"])
	require.EqualValues(t, 3, body["cursor"])
	require.EqualValues(t, 2, body["finalized"])
	require.EqualValues(t, 6, body["events"])
	require.Equal(t, []any{"7"}, body["corruptGames"])
	require.Nil(t, body["lastReorg"])
}
