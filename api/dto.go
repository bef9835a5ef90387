/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types keep the
  referral domain model out of the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers for composite results

TYPES:
  Codes:
    CodeDTO, CreateCodeRequest, SetActiveRequest

  Redemptions:
    RedemptionDTO, RecordRedemptionRequest, RedemptionHistoryResponse,
    AggregateDTO

  Audit:
    DriftReportDTO, ReconcileResponse, RepairResponse, AuditResponse,
    ResyncRequest, ResyncResponse

  Migration:
    MigrationStateResponse, MigrationReportDTO

TIMESTAMPS:
  All times are RFC 3339 with nanoseconds, in UTC.

VALIDATION:
  Validation is done by the referral package, not in DTOs. Pointer fields
  distinguish "absent" from zero where the handler picks a default.

SEE ALSO:
  - handlers.go: Uses these types
  - referral/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/samber/lo"

	"github.com/warp/referral-ledger/migration"
	"github.com/warp/referral-ledger/referral"
)

// =============================================================================
// CODES
// =============================================================================

// CodeDTO represents an invitation code in API responses.
type CodeDTO struct {
	ID           int64   `json:"id"`
	OwnerID      int64   `json:"owner_id"`
	Code         string  `json:"code"`
	RewardPoints int64   `json:"reward_points"`
	UseCount     int64   `json:"use_count"`
	TotalRewards int64   `json:"total_rewards"`
	IsActive     bool    `json:"is_active"`
	CreatedAt    string  `json:"created_at"`
	LastUsedAt   *string `json:"last_used_at,omitempty"`
}

// CreateCodeRequest is the request to issue a code. RewardPoints defaults to
// the configured rate when absent.
type CreateCodeRequest struct {
	OwnerID      int64  `json:"owner_id"`
	RewardPoints *int64 `json:"reward_points,omitempty"`
}

// SetActiveRequest enables or disables a code.
type SetActiveRequest struct {
	Active *bool `json:"active"`
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type RedemptionDTO struct {
	ID            int64  `json:"id"`
	CodeID        int64  `json:"code_id"`
	InviteeID     int64  `json:"invitee_id"`
	PointsAwarded int64  `json:"points_awarded"`
	UsedAt        string `json:"used_at"`
}

// RecordRedemptionRequest records a redemption. Without points_awarded the
// code's current rate is used.
type RecordRedemptionRequest struct {
	InviteeID     int64  `json:"invitee_id"`
	PointsAwarded *int64 `json:"points_awarded,omitempty"`
}

// AggregateDTO is the log-derived summary of a code.
type AggregateDTO struct {
	Count         int64   `json:"count"`
	Sum           int64   `json:"sum"`
	AveragePoints string  `json:"average_points"`
	FirstUsedAt   *string `json:"first_used_at,omitempty"`
	LastUsedAt    *string `json:"last_used_at,omitempty"`
}

// RedemptionHistoryResponse is a code's event log, newest first.
type RedemptionHistoryResponse struct {
	CodeID    int64           `json:"code_id"`
	Events    []RedemptionDTO `json:"events"`
	Aggregate AggregateDTO    `json:"aggregate"`
}

// =============================================================================
// AUDIT
// =============================================================================

type DriftReportDTO struct {
	CodeID             int64  `json:"code_id"`
	Code               string `json:"code"`
	CachedUseCount     int64  `json:"cached_use_count"`
	CachedTotalRewards int64  `json:"cached_total_rewards"`
	ActualUseCount     int64  `json:"actual_use_count"`
	ActualTotalRewards int64  `json:"actual_total_rewards"`
	UseCountDelta      int64  `json:"use_count_delta"`
	TotalRewardsDelta  int64  `json:"total_rewards_delta"`
}

type ReconcileResponse struct {
	CodeID     int64           `json:"code_id"`
	Consistent bool            `json:"consistent"`
	Drift      *DriftReportDTO `json:"drift,omitempty"`
}

type RepairResponse struct {
	CodeID   int64           `json:"code_id"`
	Repaired bool            `json:"repaired"`
	Drift    *DriftReportDTO `json:"drift,omitempty"`
}

type AuditResponse struct {
	Drifted []DriftReportDTO `json:"drifted"`
	Count   int              `json:"count"`
}

// ResyncRequest sets the reward rate of every active code.
type ResyncRequest struct {
	RewardPoints *int64 `json:"reward_points"`
}

type ResyncResponse struct {
	RewardPoints int64 `json:"reward_points"`
	CodesUpdated int64 `json:"codes_updated"`
}

// =============================================================================
// MIGRATION
// =============================================================================

type MigrationStateResponse struct {
	State string `json:"state"`
}

type MigrationReportDTO struct {
	RunID             string  `json:"run_id"`
	Performed         bool    `json:"performed"`
	BackupTable       string  `json:"backup_table,omitempty"`
	CodesMigrated     int     `json:"codes_migrated"`
	EventsSynthesized int     `json:"events_synthesized"`
	ApproximateTimes  []int64 `json:"approximate_times"`
	Unattributed      []int64 `json:"unattributed"`
	GrantedUnused     []int64 `json:"granted_unused"`
	Started           string  `json:"started"`
	Finished          string  `json:"finished,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toCodeDTO(c referral.InvitationCode) CodeDTO {
	return CodeDTO{
		ID:           int64(c.ID),
		OwnerID:      int64(c.OwnerID),
		Code:         c.Code,
		RewardPoints: c.RewardPoints,
		UseCount:     c.UseCount,
		TotalRewards: c.TotalRewards,
		IsActive:     c.IsActive,
		CreatedAt:    formatTime(c.CreatedAt),
		LastUsedAt:   formatTimePtr(c.LastUsedAt),
	}
}

func toCodeDTOs(codes []referral.InvitationCode) []CodeDTO {
	return lo.Map(codes, func(c referral.InvitationCode, _ int) CodeDTO {
		return toCodeDTO(c)
	})
}

func toRedemptionDTO(ev referral.RedemptionEvent) RedemptionDTO {
	return RedemptionDTO{
		ID:            int64(ev.ID),
		CodeID:        int64(ev.CodeID),
		InviteeID:     int64(ev.InviteeID),
		PointsAwarded: ev.PointsAwarded,
		UsedAt:        formatTime(ev.UsedAt),
	}
}

func toAggregateDTO(a referral.Aggregate) AggregateDTO {
	return AggregateDTO{
		Count:         a.Count,
		Sum:           a.Sum,
		AveragePoints: a.AveragePoints().StringFixed(2),
		FirstUsedAt:   formatTimePtr(a.FirstUsedAt),
		LastUsedAt:    formatTimePtr(a.LastUsedAt),
	}
}

func toDriftDTO(r referral.DriftReport) DriftReportDTO {
	return DriftReportDTO{
		CodeID:             int64(r.CodeID),
		Code:               r.Code,
		CachedUseCount:     r.Cached.UseCount,
		CachedTotalRewards: r.Cached.TotalRewards,
		ActualUseCount:     r.Actual.Count,
		ActualTotalRewards: r.Actual.Sum,
		UseCountDelta:      r.UseCountDelta(),
		TotalRewardsDelta:  r.TotalRewardsDelta(),
	}
}

func toDriftDTOPtr(r *referral.DriftReport) *DriftReportDTO {
	if r == nil {
		return nil
	}
	dto := toDriftDTO(*r)
	return &dto
}

func codeIDsToInts(ids []referral.CodeID) []int64 {
	return lo.Map(ids, func(id referral.CodeID, _ int) int64 { return int64(id) })
}

func toMigrationReportDTO(r migration.Report) MigrationReportDTO {
	dto := MigrationReportDTO{
		RunID:             r.RunID,
		Performed:         r.Performed,
		BackupTable:       r.BackupTable,
		CodesMigrated:     r.CodesMigrated,
		EventsSynthesized: r.EventsSynthesized,
		ApproximateTimes:  codeIDsToInts(r.ApproximateTimes),
		Unattributed:      codeIDsToInts(r.Unattributed),
		GrantedUnused:     codeIDsToInts(r.GrantedUnused),
		Started:           formatTime(r.Started),
	}
	if !r.Finished.IsZero() {
		dto.Finished = formatTime(r.Finished)
	}
	return dto
}
