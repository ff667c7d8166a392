package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/energy-engine/internal/api"
	"github.com/atmx/energy-engine/internal/bank"
	"github.com/atmx/energy-engine/internal/engine"
	"github.com/atmx/energy-engine/internal/epoch"
	"github.com/atmx/energy-engine/internal/fees"
	"github.com/atmx/energy-engine/internal/model"
	"github.com/atmx/energy-engine/internal/store"
)

const token = "MEX-455c57"

func u(n uint64) *uint256.Int {
	return uint256.NewInt(n)
}

type testEnv struct {
	eng    *engine.Engine
	clock  *epoch.ManualClock
	bank   *bank.MemoryBank
	router chi.Router
}

// newTestEnv creates handlers over an in-memory engine and a chi router.
func newTestEnv(t *testing.T, start uint64) *testEnv {
	t.Helper()
	clock := epoch.NewManualClock(start)
	bk := bank.NewMemoryBank()
	eng, err := engine.New(engine.Config{
		Asset: model.Asset{Token: token},
		Options: []model.LockOption{
			{LockEpochs: 360, PenaltyBps: 4_000},
			{LockEpochs: 720, PenaltyBps: 6_000},
			{LockEpochs: 3600, PenaltyBps: 8_000},
		},
		Schedule: epoch.DefaultSchedule(),
	}, store.NewMemoryStore(), bk, fees.NewMemoryCollector(), clock)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1", api.NewHandlers(eng).Routes)
	return &testEnv{eng: eng, clock: clock, bank: bk, router: r}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func (env *testEnv) lock(t *testing.T, user string, amount, lockEpochs uint64) model.Operation {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/lock", api.LockRequest{
		User: user, Token: token, Amount: u(amount), LockEpochs: lockEpochs,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var op model.Operation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &op))
	return op
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

// --- Operations ---

func TestLockAndUnlockEarly(t *testing.T) {
	env := newTestEnv(t, 1)

	op := env.lock(t, "alice", 500, 360)
	require.Equal(t, model.OpLock, op.Kind)
	require.Equal(t, uint64(1), op.ResultPositionID)
	require.Equal(t, "179500", op.EnergyDelta.String())

	env.clock.Set(181)
	w := env.do(t, "POST", "/api/v1/unlock-early", api.PositionRequest{User: "alice", PositionID: 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp model.Operation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "99", resp.Penalty.Dec())
	require.Equal(t, "401", resp.Released.Dec())
	require.Equal(t, "401", env.bank.Balance("alice", model.Asset{Token: token}).Dec())
}

func TestAmountsAreDecimalStrings(t *testing.T) {
	env := newTestEnv(t, 0)
	body := []byte(`{"user":"alice","token":"MEX-455c57","amount":"1000000000000000000000","lock_epochs":360}`)
	req := httptest.NewRequest("POST", "/api/v1/lock", bytes.NewReader(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	require.Equal(t, "1000000000000000000000", raw["amount"])
	require.Equal(t, "360000000000000000000000", raw["energy_delta"])
}

func TestReduceAndExtendPeriod(t *testing.T) {
	env := newTestEnv(t, 30)
	env.lock(t, "alice", 1000, 3600)

	w := env.do(t, "POST", "/api/v1/reduce-period", api.PositionRequest{User: "alice", PositionID: 1, LockEpochs: 360})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var op model.Operation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &op))
	require.Equal(t, "666", op.Penalty.Dec())

	w = env.do(t, "POST", "/api/v1/extend-period", api.PositionRequest{User: "alice", PositionID: op.ResultPositionID, LockEpochs: 360})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v1/extend-period", api.PositionRequest{User: "alice", PositionID: op.ResultPositionID, LockEpochs: 720})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestTransferAndClaim(t *testing.T) {
	env := newTestEnv(t, 0)
	env.lock(t, "alice", 100, 360)

	w := env.do(t, "POST", "/api/v1/transfer", api.TransferRequest{From: "alice", To: "bob", PositionID: 1, Amount: u(40)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "GET", "/api/v1/users/bob/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var positions []model.LockPosition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	require.Equal(t, "40", positions[0].Amount.Dec())

	w = env.do(t, "POST", "/api/v1/claim", api.ClaimRequest{User: "bob"})
	require.Equal(t, http.StatusConflict, w.Code)
}

// --- Error mapping ---

func TestErrorStatuses(t *testing.T) {
	env := newTestEnv(t, 0)
	env.lock(t, "alice", 100, 360)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"wrong token", "/api/v1/lock", api.LockRequest{User: "alice", Token: "OTHER-000000", Amount: u(1), LockEpochs: 360}, http.StatusBadRequest},
		{"zero amount", "/api/v1/lock", api.LockRequest{User: "alice", Token: token, Amount: u(0), LockEpochs: 360}, http.StatusBadRequest},
		{"bad lock choice", "/api/v1/lock", api.LockRequest{User: "alice", Token: token, Amount: u(1), LockEpochs: 100}, http.StatusBadRequest},
		{"missing user", "/api/v1/lock", api.LockRequest{Token: token, Amount: u(1), LockEpochs: 360}, http.StatusBadRequest},
		{"not mature", "/api/v1/unlock", api.PositionRequest{User: "alice", PositionID: 1}, http.StatusConflict},
		{"unknown position", "/api/v1/unlock-early", api.PositionRequest{User: "alice", PositionID: 42}, http.StatusNotFound},
		{"not owner", "/api/v1/unlock-early", api.PositionRequest{User: "bob", PositionID: 1}, http.StatusForbidden},
		{"over balance", "/api/v1/unlock-early", api.PositionRequest{User: "alice", PositionID: 1, Amount: u(101)}, http.StatusConflict},
		{"reduce longer", "/api/v1/reduce-period", api.PositionRequest{User: "alice", PositionID: 1, LockEpochs: 720}, http.StatusBadRequest},
		{"transfer to self", "/api/v1/transfer", api.TransferRequest{From: "alice", To: "alice", PositionID: 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", tt.path, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			require.NotEmpty(t, decodeError(t, w))
		})
	}
}

func TestInvalidBody(t *testing.T) {
	env := newTestEnv(t, 0)
	req := httptest.NewRequest("POST", "/api/v1/lock", bytes.NewReader([]byte(`{"amount":12`)))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid request body", decodeError(t, w))
}

func TestPauseRejectsOperations(t *testing.T) {
	env := newTestEnv(t, 0)
	env.lock(t, "alice", 100, 360)

	w := env.do(t, "POST", "/api/v1/admin/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "POST", "/api/v1/lock", api.LockRequest{User: "alice", Token: token, Amount: u(1), LockEpochs: 360})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	// Views keep working while paused.
	w = env.do(t, "GET", "/api/v1/users/alice/energy", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "POST", "/api/v1/admin/unpause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env.lock(t, "alice", 1, 360)
}

// --- Views ---

func TestGetEnergy_DecaysWithoutMutation(t *testing.T) {
	env := newTestEnv(t, 1)
	env.lock(t, "alice", 500, 360)
	env.clock.Set(181)

	w := env.do(t, "GET", "/api/v1/users/alice/energy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp api.EnergyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, uint64(181), resp.Epoch)
	require.Equal(t, "89500", resp.Energy.String())

	entry, ok := env.eng.EnergyEntry("alice")
	require.True(t, ok)
	require.Equal(t, uint64(1), entry.LastUpdateEpoch)
}

func TestGetPenalty(t *testing.T) {
	env := newTestEnv(t, 0)

	w := env.do(t, "GET", "/api/v1/penalty?amount=1000&prev_epochs=3600", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.PenaltyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "800", resp.Penalty.Dec())
	require.Equal(t, uint64(8000), resp.PenaltyBps)

	w = env.do(t, "GET", "/api/v1/penalty?amount=1000&prev_epochs=3600&new_epochs=360", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "666", resp.Penalty.Dec())
	require.Equal(t, uint64(6666), resp.PenaltyBps)

	w = env.do(t, "GET", "/api/v1/penalty?amount=abc&prev_epochs=10", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "GET", "/api/v1/penalty?amount=1000&prev_epochs=360&new_epochs=720", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOptionsAndPosition(t *testing.T) {
	env := newTestEnv(t, 0)
	env.lock(t, "alice", 100, 720)

	w := env.do(t, "GET", "/api/v1/options", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var options []model.LockOption
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &options))
	require.Len(t, options, 3)
	require.Equal(t, uint64(360), options[0].LockEpochs)

	w = env.do(t, "GET", "/api/v1/positions/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pos model.LockPosition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pos))
	require.Equal(t, uint64(720), pos.UnlockEpoch)
	require.Equal(t, "alice", pos.Owner)

	w = env.do(t, "GET", "/api/v1/positions/7", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/positions/abc", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFeesAndSweep(t *testing.T) {
	env := newTestEnv(t, 0)
	env.lock(t, "alice", 1000, 360)
	env.clock.Set(1)
	w := env.do(t, "POST", "/api/v1/unlock-early", api.PositionRequest{User: "alice", PositionID: 1, Amount: u(100)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "GET", "/api/v1/fees/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pending []model.PendingFee
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	require.Equal(t, "39", pending[0].AccumulatedAmount.Dec())

	// Same week: nothing is due.
	w = env.do(t, "POST", "/api/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())

	env.clock.Set(7)
	w = env.do(t, "POST", "/api/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var flushed []model.PendingFee
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &flushed))
	require.Len(t, flushed, 1)

	w = env.do(t, "GET", "/api/v1/fees/flushes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []model.FeeFlush
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].WeekID)
	require.Equal(t, "39", records[0].Amount.Dec())
}

func TestGetHistoryAndUnbonding(t *testing.T) {
	env := newTestEnv(t, 0)
	env.lock(t, "alice", 100, 360)
	env.lock(t, "alice", 100, 720)

	w := env.do(t, "GET", "/api/v1/users/alice/operations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ops []model.Operation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ops))
	require.Len(t, ops, 2)
	require.Equal(t, uint64(1), ops[0].Seq)
	require.Equal(t, uint64(2), ops[1].Seq)

	w = env.do(t, "GET", "/api/v1/users/nobody/operations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())

	w = env.do(t, "GET", "/api/v1/users/alice/unbonding", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())
}

func TestEngineEventsReachObservers(t *testing.T) {
	env := newTestEnv(t, 0)
	var kinds []string
	env.eng.OnCommit(func(op model.Operation) { kinds = append(kinds, op.Kind) })

	env.lock(t, "alice", 100, 360)
	_, err := env.eng.Transfer(context.Background(), "alice", "bob", 1, nil)
	require.NoError(t, err)
	require.Equal(t, []string{model.OpLock, model.OpTransfer}, kinds)
}
