/*
handlers.go - HTTP API handlers for the referral ledger

PURPOSE:
  Exposes code administration, redemption history and ledger audits via a
  REST API. Handles HTTP request/response and JSON serialization, and
  delegates to the referral package.

ENDPOINTS:
  Codes:
    GET    /api/codes?owner_id=         List codes (optionally by owner)
    POST   /api/codes                   Issue a code
    GET    /api/codes/lookup/{code}     Find a code by its token
    GET    /api/codes/{id}              Get code details
    PUT    /api/codes/{id}/active       Enable or disable a code

  Redemptions:
    GET    /api/codes/{id}/redemptions  Event log (newest first) + aggregate
    POST   /api/codes/{id}/redemptions  Record a redemption

  Audit:
    GET    /api/codes/{id}/reconcile    Compare summary with event log
    POST   /api/codes/{id}/repair       Recompute summary from event log
    GET    /api/admin/audit             Reconcile every code
    POST   /api/admin/resync            Set reward rate on all active codes

  Migration (not gated):
    GET    /api/admin/migration         Migration state
    POST   /api/admin/migrate           Run the legacy migration if needed

MIGRATION GATE:
  The ledger cannot be trusted before the legacy table is converted. Every
  gated request runs MigrateIfNeeded until one run succeeds; after that the
  gate is a single atomic load.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status from the error's kind:
  - 400: Validation errors, invalid input
  - 404: Code not found
  - 409: Inactive code, summary drift, token collision
  - 500: Everything else (logged)

SECURITY NOTE:
  No authentication. This is an internal admin surface.

SEE ALSO:
  - dto.go: Request/response data structures
  - metrics.go: Prometheus counters
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/referral-ledger/migration"
	"github.com/warp/referral-ledger/referral"
	"github.com/warp/referral-ledger/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures a Handler.
type Options struct {
	Logger              *zap.Logger
	DefaultRewardPoints int64
	TokenLength         int
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Codes      *referral.CodeRepository
	Ledger     *referral.UsageLedger
	Accountant *referral.Accountant
	Migrator   *migration.Engine

	defaultRewardPoints int64
	logger              *zap.Logger
	metrics             *metrics

	migrateMu sync.Mutex
	migrated  atomic.Bool
}

// NewHandler wires the referral services on top of store.
func NewHandler(store *sqlite.Store, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	accountant := referral.NewAccountant(store)
	return &Handler{
		Store:      store,
		Codes:      referral.NewCodeRepository(store, referral.WithTokenGenerator(referral.RandomTokens(opts.TokenLength))),
		Ledger:     referral.NewUsageLedger(store, accountant),
		Accountant: accountant,
		Migrator:   migration.New(store.DB(), migration.WithLogger(logger.Named("migration"))),

		defaultRewardPoints: opts.DefaultRewardPoints,
		logger:              logger,
		metrics:             newMetrics(),
	}
}

// =============================================================================
// MIGRATION GATE
// =============================================================================

// RequireMigrated runs the legacy migration before the first request that
// needs the ledger.
func (h *Handler) RequireMigrated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.migrated.Load() {
			if _, err := h.migrate(r.Context()); err != nil {
				h.writeDomainError(w, "Legacy migration failed", err)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) migrate(ctx context.Context) (migration.Report, error) {
	h.migrateMu.Lock()
	defer h.migrateMu.Unlock()

	report, err := h.Migrator.MigrateIfNeeded(ctx)
	if err != nil {
		h.metrics.migrations.WithLabelValues("failed").Inc()
		return report, err
	}
	if report.Performed {
		h.metrics.migrations.WithLabelValues("performed").Inc()
	}
	h.migrated.Store(true)
	return report, nil
}

// GetMigrationState reports not_migrated, migrating or migrated.
func (h *Handler) GetMigrationState(w http.ResponseWriter, r *http.Request) {
	state, err := h.Migrator.State(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to inspect schema", err)
		return
	}
	writeJSON(w, http.StatusOK, MigrationStateResponse{State: string(state)})
}

// TriggerMigration runs the migration if the legacy table is present.
func (h *Handler) TriggerMigration(w http.ResponseWriter, r *http.Request) {
	report, err := h.migrate(r.Context())
	if err != nil {
		h.writeDomainError(w, "Legacy migration failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toMigrationReportDTO(report))
}

// =============================================================================
// CODE HANDLERS
// =============================================================================

// ListCodes returns every code, or the codes of one owner.
func (h *Handler) ListCodes(w http.ResponseWriter, r *http.Request) {
	var (
		codes []referral.InvitationCode
		err   error
	)
	if raw := r.URL.Query().Get("owner_id"); raw != "" {
		ownerID, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "Invalid owner_id", perr)
			return
		}
		codes, err = h.Codes.ListByOwner(r.Context(), referral.UserID(ownerID))
	} else {
		codes, err = h.Codes.List(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, "Failed to list codes", err)
		return
	}
	writeJSON(w, http.StatusOK, toCodeDTOs(codes))
}

// CreateCode issues a code for an owner.
func (h *Handler) CreateCode(w http.ResponseWriter, r *http.Request) {
	var req CreateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	points := h.defaultRewardPoints
	if req.RewardPoints != nil {
		points = *req.RewardPoints
	}

	code, err := h.Codes.Create(r.Context(), referral.UserID(req.OwnerID), points)
	if err != nil {
		h.writeDomainError(w, "Failed to create code", err)
		return
	}
	h.logger.Info("code created",
		zap.Int64("code_id", int64(code.ID)),
		zap.Int64("owner_id", int64(code.OwnerID)),
		zap.Int64("reward_points", code.RewardPoints),
	)
	writeJSON(w, http.StatusCreated, toCodeDTO(code))
}

// GetCode returns a single code.
func (h *Handler) GetCode(w http.ResponseWriter, r *http.Request) {
	id, ok := codeIDParam(w, r)
	if !ok {
		return
	}
	code, err := h.Codes.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get code", err)
		return
	}
	writeJSON(w, http.StatusOK, toCodeDTO(code))
}

// LookupCode finds a code by its shareable token.
func (h *Handler) LookupCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.Codes.FindByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, "Failed to find code", err)
		return
	}
	writeJSON(w, http.StatusOK, toCodeDTO(code))
}

// SetCodeActive enables or disables a code.
func (h *Handler) SetCodeActive(w http.ResponseWriter, r *http.Request) {
	id, ok := codeIDParam(w, r)
	if !ok {
		return
	}
	var req SetActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required", nil)
		return
	}

	if err := h.Codes.SetActive(r.Context(), id, *req.Active); err != nil {
		h.writeDomainError(w, "Failed to update code", err)
		return
	}
	code, err := h.Codes.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get code", err)
		return
	}
	writeJSON(w, http.StatusOK, toCodeDTO(code))
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

// ListRedemptions returns a code's event log with its aggregate.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	id, ok := codeIDParam(w, r)
	if !ok {
		return
	}
	// ListByCode on an unknown id is simply empty; answer 404 instead.
	if _, err := h.Codes.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get code", err)
		return
	}

	events, err := h.Ledger.ListByCode(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list redemptions", err)
		return
	}
	agg, err := h.Ledger.Aggregate(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to aggregate redemptions", err)
		return
	}

	resp := RedemptionHistoryResponse{
		CodeID:    int64(id),
		Events:    make([]RedemptionDTO, len(events)),
		Aggregate: toAggregateDTO(agg),
	}
	for i, ev := range events {
		resp.Events[i] = toRedemptionDTO(ev)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecordRedemption appends a redemption. Without points_awarded the code's
// current rate is snapshotted.
func (h *Handler) RecordRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := codeIDParam(w, r)
	if !ok {
		return
	}
	var req RecordRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var (
		ev  referral.RedemptionEvent
		err error
	)
	if req.PointsAwarded != nil {
		ev, err = h.Ledger.Record(r.Context(), id, referral.UserID(req.InviteeID), *req.PointsAwarded)
	} else {
		ev, err = h.Ledger.RecordAtCurrentRate(r.Context(), id, referral.UserID(req.InviteeID))
	}
	if err != nil {
		h.writeDomainError(w, "Failed to record redemption", err)
		return
	}

	h.metrics.redemptions.Inc()
	h.metrics.redemptionPoints.Add(float64(ev.PointsAwarded))
	writeJSON(w, http.StatusCreated, toRedemptionDTO(ev))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ReconcileCode compares one code's summary with its event log.
func (h *Handler) ReconcileCode(w http.ResponseWriter, r *http.Request) {
	id, ok := codeIDParam(w, r)
	if !ok {
		return
	}
	drift, err := h.Accountant.Reconcile(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to reconcile code", err)
		return
	}
	if drift != nil {
		h.metrics.driftReports.Inc()
		h.logger.Warn("summary drift detected",
			zap.Int64("code_id", int64(drift.CodeID)),
			zap.Int64("use_count_delta", drift.UseCountDelta()),
			zap.Int64("total_rewards_delta", drift.TotalRewardsDelta()),
		)
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		CodeID:     int64(id),
		Consistent: drift == nil,
		Drift:      toDriftDTOPtr(drift),
	})
}

// RepairCode overwrites a drifted summary with values from the event log.
func (h *Handler) RepairCode(w http.ResponseWriter, r *http.Request) {
	id, ok := codeIDParam(w, r)
	if !ok {
		return
	}
	repaired, err := h.Accountant.Repair(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to repair code", err)
		return
	}
	if repaired != nil {
		h.logger.Info("summary repaired",
			zap.Int64("code_id", int64(repaired.CodeID)),
			zap.Int64("use_count_delta", repaired.UseCountDelta()),
			zap.Int64("total_rewards_delta", repaired.TotalRewardsDelta()),
		)
	}
	writeJSON(w, http.StatusOK, RepairResponse{
		CodeID:   int64(id),
		Repaired: repaired != nil,
		Drift:    toDriftDTOPtr(repaired),
	})
}

// Audit reconciles every code and lists the drifted ones.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	reports, err := h.Accountant.ReconcileAll(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to audit codes", err)
		return
	}
	h.metrics.driftReports.Add(float64(len(reports)))

	drifted := make([]DriftReportDTO, len(reports))
	for i, rep := range reports {
		drifted[i] = toDriftDTO(rep)
	}
	writeJSON(w, http.StatusOK, AuditResponse{Drifted: drifted, Count: len(drifted)})
}

// ResyncRewardRate sets the rate of every active code.
func (h *Handler) ResyncRewardRate(w http.ResponseWriter, r *http.Request) {
	var req ResyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.RewardPoints == nil {
		writeError(w, http.StatusBadRequest, "reward_points is required", nil)
		return
	}

	n, err := h.Accountant.ResyncRewardRate(r.Context(), *req.RewardPoints)
	if err != nil {
		h.writeDomainError(w, "Failed to resync reward rate", err)
		return
	}
	h.metrics.resyncCodes.Add(float64(n))
	h.logger.Info("reward rate resynced",
		zap.Int64("reward_points", *req.RewardPoints),
		zap.Int64("codes_updated", n),
	)
	writeJSON(w, http.StatusOK, ResyncResponse{RewardPoints: *req.RewardPoints, CodesUpdated: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func codeIDParam(w http.ResponseWriter, r *http.Request) (referral.CodeID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid code id", err)
		return 0, false
	}
	return referral.CodeID(id), true
}

// statusFor maps a referral error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, referral.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, referral.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, referral.ErrInactiveCode),
		errors.Is(err, referral.ErrConsistency),
		errors.Is(err, referral.ErrDuplicateCode),
		errors.Is(err, referral.ErrTokenSpaceExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
