package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// =============================================================================
// TOKEN GENERATION
// =============================================================================

// TokenAlphabet omits characters that are easy to misread (0/O, 1/I).
const TokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	DefaultTokenLength = 8
	maxTokenAttempts   = 16
)

// TokenGenerator produces candidate invitation code tokens.
type TokenGenerator func() (string, error)

// RandomTokens returns a generator of crypto-random tokens of length n.
func RandomTokens(n int) TokenGenerator {
	if n <= 0 {
		n = DefaultTokenLength
	}
	max := big.NewInt(int64(len(TokenAlphabet)))
	return func() (string, error) {
		var b strings.Builder
		b.Grow(n)
		for i := 0; i < n; i++ {
			idx, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("failed to read random token: %w", err)
			}
			b.WriteByte(TokenAlphabet[idx.Int64()])
		}
		return b.String(), nil
	}
}

// NormalizeCode trims and upper-cases a user-supplied token.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// =============================================================================
// CODE REPOSITORY
// =============================================================================

// CodeRepository creates and looks up invitation codes. It never touches
// the event log.
type CodeRepository struct {
	store  Store
	tokens TokenGenerator
	now    func() time.Time
}

type CodeOption func(*CodeRepository)

// WithTokenGenerator overrides the token source.
func WithTokenGenerator(g TokenGenerator) CodeOption {
	return func(r *CodeRepository) { r.tokens = g }
}

// WithCodeClock overrides the creation timestamp source.
func WithCodeClock(now func() time.Time) CodeOption {
	return func(r *CodeRepository) { r.now = now }
}

func NewCodeRepository(store Store, opts ...CodeOption) *CodeRepository {
	r := &CodeRepository{
		store:  store,
		tokens: RandomTokens(DefaultTokenLength),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create issues a new active code for ownerID. Token collisions are retried
// with a fresh token.
func (r *CodeRepository) Create(ctx context.Context, ownerID UserID, rewardPoints int64) (InvitationCode, error) {
	if ownerID <= 0 {
		return InvitationCode{}, &ValidationError{Field: "owner_id", Reason: "must be positive"}
	}
	if rewardPoints < 0 {
		return InvitationCode{}, &ValidationError{Field: "reward_points", Reason: "must not be negative"}
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := r.tokens()
		if err != nil {
			return InvitationCode{}, err
		}
		code, err := r.store.InsertCode(ctx, InvitationCode{
			OwnerID:      ownerID,
			Code:         NormalizeCode(token),
			RewardPoints: rewardPoints,
			IsActive:     true,
			CreatedAt:    r.now().UTC(),
		})
		if errors.Is(err, ErrDuplicateCode) {
			continue
		}
		if err != nil {
			return InvitationCode{}, err
		}
		return code, nil
	}
	return InvitationCode{}, ErrTokenSpaceExhausted
}

// Get returns a code by its surrogate ID.
func (r *CodeRepository) Get(ctx context.Context, id CodeID) (InvitationCode, error) {
	return r.store.GetCode(ctx, id)
}

// FindByCode returns a code by its token.
func (r *CodeRepository) FindByCode(ctx context.Context, code string) (InvitationCode, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return InvitationCode{}, &ValidationError{Field: "code", Reason: "must not be empty"}
	}
	return r.store.GetCodeByToken(ctx, normalized)
}

// ListByOwner returns every code owned by ownerID.
func (r *CodeRepository) ListByOwner(ctx context.Context, ownerID UserID) ([]InvitationCode, error) {
	return r.store.ListCodesByOwner(ctx, ownerID)
}

// List returns every code.
func (r *CodeRepository) List(ctx context.Context) ([]InvitationCode, error) {
	return r.store.ListCodes(ctx)
}

// SetActive enables or disables a code. Setting the current value again is
// a successful no-op.
func (r *CodeRepository) SetActive(ctx context.Context, id CodeID, active bool) error {
	return r.store.SetActive(ctx, id, active)
}
