// Package api provides the HTTP handlers for locking, unlocking and querying
// energy, plus the WebSocket hub that streams committed operations.
//
// Token amounts travel as decimal strings (uint256 JSON encoding) and energy
// as decimal strings (shopspring/decimal). Never JSON numbers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/energy-engine/internal/energy"
	"github.com/atmx/energy-engine/internal/engine"
	"github.com/atmx/energy-engine/internal/model"
	"github.com/atmx/energy-engine/internal/penalty"
	"github.com/atmx/energy-engine/internal/position"
)

// Handlers exposes the engine over HTTP. The engine serializes operations
// itself, so handlers hold no locks.
type Handlers struct {
	engine *engine.Engine
}

// NewHandlers creates the HTTP handlers for eng.
func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng}
}

// Routes registers every endpoint on r. Mount it under /api/v1.
func (h *Handlers) Routes(r chi.Router) {
	// User operations.
	r.Post("/lock", h.Lock)
	r.Post("/unlock", h.Unlock)
	r.Post("/unlock-early", h.UnlockEarly)
	r.Post("/reduce-period", h.ReducePeriod)
	r.Post("/extend-period", h.ExtendPeriod)
	r.Post("/claim", h.Claim)
	r.Post("/transfer", h.Transfer)

	// Views.
	r.Get("/users/{user}/positions", h.GetPositions)
	r.Get("/users/{user}/energy", h.GetEnergy)
	r.Get("/users/{user}/unbonding", h.GetUnbonding)
	r.Get("/users/{user}/operations", h.GetHistory)
	r.Get("/positions/{positionID}", h.GetPosition)
	r.Get("/penalty", h.GetPenalty)
	r.Get("/options", h.GetOptions)
	r.Get("/fees/pending", h.GetPendingFees)
	r.Get("/fees/flushes", h.GetFeeFlushes)

	// Administration.
	r.Post("/admin/sweep", h.Sweep)
	r.Post("/admin/pause", h.Pause)
	r.Post("/admin/unpause", h.Unpause)
}

// --- Request/Response types ---

// LockRequest is the JSON body for POST /lock.
type LockRequest struct {
	User       string       `json:"user"`
	Token      string       `json:"token"`
	Nonce      uint64       `json:"nonce"`
	Amount     *uint256.Int `json:"amount"`
	LockEpochs uint64       `json:"lock_epochs"`
}

// PositionRequest is the JSON body for the operations on an existing
// position. Amount is optional (absent means the whole position); LockEpochs
// is only read by reduce-period and extend-period.
type PositionRequest struct {
	User       string       `json:"user"`
	PositionID uint64       `json:"position_id"`
	Amount     *uint256.Int `json:"amount,omitempty"`
	LockEpochs uint64       `json:"lock_epochs,omitempty"`
}

// TransferRequest is the JSON body for POST /transfer.
type TransferRequest struct {
	From       string       `json:"from"`
	To         string       `json:"to"`
	PositionID uint64       `json:"position_id"`
	Amount     *uint256.Int `json:"amount,omitempty"`
}

// ClaimRequest is the JSON body for POST /claim.
type ClaimRequest struct {
	User string `json:"user"`
}

// EnergyResponse is the JSON body returned from GET /users/{user}/energy.
type EnergyResponse struct {
	User   string          `json:"user"`
	Epoch  uint64          `json:"epoch"`
	Energy decimal.Decimal `json:"energy"`
}

// PenaltyResponse is the JSON body returned from GET /penalty.
type PenaltyResponse struct {
	Amount       *uint256.Int `json:"amount"`
	PrevEpochs   uint64       `json:"prev_epochs"`
	NewEpochs    uint64       `json:"new_epochs"`
	Penalty      *uint256.Int `json:"penalty"`
	PenaltyBps   uint64       `json:"penalty_bps"`
	CurrentEpoch uint64       `json:"current_epoch"`
}

// --- User operations ---

// Lock handles POST /api/v1/lock
func (h *Handlers) Lock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	payment := model.Payment{Asset: model.Asset{Token: req.Token, Nonce: req.Nonce}, Amount: req.Amount}
	op, err := h.engine.Lock(r.Context(), req.User, payment, req.LockEpochs)
	writeOperation(w, op, err, http.StatusCreated)
}

// Unlock handles POST /api/v1/unlock
func (h *Handlers) Unlock(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePositionRequest(w, r)
	if !ok {
		return
	}
	op, err := h.engine.Unlock(r.Context(), req.User, req.PositionID, req.Amount)
	writeOperation(w, op, err, http.StatusOK)
}

// UnlockEarly handles POST /api/v1/unlock-early
func (h *Handlers) UnlockEarly(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePositionRequest(w, r)
	if !ok {
		return
	}
	op, err := h.engine.UnlockEarly(r.Context(), req.User, req.PositionID, req.Amount)
	writeOperation(w, op, err, http.StatusOK)
}

// ReducePeriod handles POST /api/v1/reduce-period
func (h *Handlers) ReducePeriod(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePositionRequest(w, r)
	if !ok {
		return
	}
	op, err := h.engine.ReduceLockPeriod(r.Context(), req.User, req.PositionID, req.Amount, req.LockEpochs)
	writeOperation(w, op, err, http.StatusOK)
}

// ExtendPeriod handles POST /api/v1/extend-period
func (h *Handlers) ExtendPeriod(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePositionRequest(w, r)
	if !ok {
		return
	}
	op, err := h.engine.ExtendLockPeriod(r.Context(), req.User, req.PositionID, req.Amount, req.LockEpochs)
	writeOperation(w, op, err, http.StatusOK)
}

// Claim handles POST /api/v1/claim
func (h *Handlers) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}
	op, err := h.engine.ClaimUnbonded(r.Context(), req.User)
	writeOperation(w, op, err, http.StatusOK)
}

// Transfer handles POST /api/v1/transfer
func (h *Handlers) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.From == "" {
		writeError(w, "from is required", http.StatusBadRequest)
		return
	}
	op, err := h.engine.Transfer(r.Context(), req.From, req.To, req.PositionID, req.Amount)
	writeOperation(w, op, err, http.StatusOK)
}

// --- Views ---

// GetPositions handles GET /api/v1/users/{user}/positions
func (h *Handlers) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.engine.Positions(chi.URLParam(r, "user"))
	if positions == nil {
		positions = []model.LockPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetEnergy handles GET /api/v1/users/{user}/energy
// Returns the energy decayed to the current epoch without storing it.
func (h *Handlers) GetEnergy(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	amount, err := h.engine.Energy(user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EnergyResponse{User: user, Epoch: h.engine.CurrentEpoch(), Energy: amount})
}

// GetUnbonding handles GET /api/v1/users/{user}/unbonding
func (h *Handlers) GetUnbonding(w http.ResponseWriter, r *http.Request) {
	records := h.engine.Unbonding(chi.URLParam(r, "user"))
	if records == nil {
		records = []model.UnbondingRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetHistory handles GET /api/v1/users/{user}/operations
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	ops, err := h.engine.History(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, "failed to load operations", http.StatusInternalServerError)
		return
	}
	if ops == nil {
		ops = []model.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (h *Handlers) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return
	}
	pos, err := h.engine.Position(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPenalty handles GET /api/v1/penalty?amount=&prev_epochs=&new_epochs=
// new_epochs defaults to 0, the full early exit.
func (h *Handlers) GetPenalty(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := uint256.FromDecimal(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal integer", http.StatusBadRequest)
		return
	}
	prev, err := strconv.ParseUint(q.Get("prev_epochs"), 10, 64)
	if err != nil {
		writeError(w, "prev_epochs must be a non-negative integer", http.StatusBadRequest)
		return
	}
	var next uint64
	if v := q.Get("new_epochs"); v != "" {
		if next, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, "new_epochs must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	if next > 0 && next >= prev {
		writeError(w, penalty.ErrMustShortenPeriod.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, PenaltyResponse{
		Amount:       amount,
		PrevEpochs:   prev,
		NewEpochs:    next,
		Penalty:      h.engine.PenaltyAmount(amount, prev, next),
		PenaltyBps:   h.engine.PenaltyBps(prev, next),
		CurrentEpoch: h.engine.CurrentEpoch(),
	})
}

// GetOptions handles GET /api/v1/options
func (h *Handlers) GetOptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.LockOptions())
}

// GetPendingFees handles GET /api/v1/fees/pending
func (h *Handlers) GetPendingFees(w http.ResponseWriter, r *http.Request) {
	pending := h.engine.PendingFees()
	if pending == nil {
		pending = []model.PendingFee{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// GetFeeFlushes handles GET /api/v1/fees/flushes
func (h *Handlers) GetFeeFlushes(w http.ResponseWriter, r *http.Request) {
	flushes, err := h.engine.FeeFlushes(r.Context())
	if err != nil {
		writeError(w, "failed to load fee flushes", http.StatusInternalServerError)
		return
	}
	if flushes == nil {
		flushes = []model.FeeFlush{}
	}
	writeJSON(w, http.StatusOK, flushes)
}

// --- Administration ---

// Sweep handles POST /api/v1/admin/sweep
// Flushes every fee bucket from an earlier week and returns them.
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	flushed, err := h.engine.SweepFees(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if flushed == nil {
		flushed = []model.PendingFee{}
	}
	slog.Info("manual fee sweep", "flushed", len(flushed))
	writeJSON(w, http.StatusOK, flushed)
}

// Pause handles POST /api/v1/admin/pause
func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Unpause handles POST /api/v1/admin/unpause
func (h *Handlers) Unpause(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Unpause(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// --- Helpers ---

func decodePositionRequest(w http.ResponseWriter, r *http.Request) (PositionRequest, bool) {
	var req PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return req, false
	}
	if req.PositionID == 0 {
		writeError(w, "position_id is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// writeOperation writes a committed operation, or the error that rejected it.
// A settlement failure still carries the committed operation.
func writeOperation(w http.ResponseWriter, op model.Operation, err error, status int) {
	if err != nil {
		if errors.Is(err, engine.ErrSettlement) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "operation": op})
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, status, op)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, position.ErrInvalidAsset),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidRecipient),
		errors.Is(err, penalty.ErrInvalidLockChoice),
		errors.Is(err, penalty.ErrMustLengthenPeriod),
		errors.Is(err, penalty.ErrMustShortenPeriod):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, position.ErrUnknownPosition):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotYetMature),
		errors.Is(err, position.ErrInsufficientBalance),
		errors.Is(err, engine.ErrNothingToClaim),
		errors.Is(err, energy.ErrEpochRegression):
		return http.StatusConflict
	case errors.Is(err, engine.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrSettlement):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
