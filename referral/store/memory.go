// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/referral-ledger/referral"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a referral.TxStore kept entirely in memory. Transactions hold the
// store lock for their whole duration and work on a copy of the state that
// replaces the live state only on success.
type Memory struct {
	mu sync.Mutex
	st *state
}

var _ referral.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

func (m *Memory) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	draft := m.st.clone()
	if err := fn(draft); err != nil {
		return err
	}
	m.st = draft
	return nil
}

func (m *Memory) InsertCode(ctx context.Context, c referral.InvitationCode) (referral.InvitationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.InsertCode(ctx, c)
}

func (m *Memory) GetCode(ctx context.Context, id referral.CodeID) (referral.InvitationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetCode(ctx, id)
}

func (m *Memory) GetCodeByToken(ctx context.Context, code string) (referral.InvitationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetCodeByToken(ctx, code)
}

func (m *Memory) ListCodesByOwner(ctx context.Context, ownerID referral.UserID) ([]referral.InvitationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListCodesByOwner(ctx, ownerID)
}

func (m *Memory) ListCodes(ctx context.Context) ([]referral.InvitationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListCodes(ctx)
}

func (m *Memory) SetActive(ctx context.Context, id referral.CodeID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetActive(ctx, id, active)
}

func (m *Memory) ApplyDelta(ctx context.Context, id referral.CodeID, useDelta, rewardDelta int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ApplyDelta(ctx, id, useDelta, rewardDelta, at)
}

func (m *Memory) SetRateForActive(ctx context.Context, rate int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetRateForActive(ctx, rate)
}

func (m *Memory) OverwriteSummary(ctx context.Context, id referral.CodeID, agg referral.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.OverwriteSummary(ctx, id, agg)
}

func (m *Memory) AppendEvent(ctx context.Context, ev referral.RedemptionEvent) (referral.RedemptionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendEvent(ctx, ev)
}

func (m *Memory) ListEvents(ctx context.Context, codeID referral.CodeID) ([]referral.RedemptionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListEvents(ctx, codeID)
}

func (m *Memory) AggregateEvents(ctx context.Context, codeID referral.CodeID) (referral.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AggregateEvents(ctx, codeID)
}

// =============================================================================
// STATE - Unlocked data, also the transactional view
// =============================================================================

type state struct {
	codes     map[referral.CodeID]referral.InvitationCode
	byToken   map[string]referral.CodeID
	events    []referral.RedemptionEvent
	nextCode  referral.CodeID
	nextEvent referral.EventID
}

func newState() *state {
	return &state{
		codes:     make(map[referral.CodeID]referral.InvitationCode),
		byToken:   make(map[string]referral.CodeID),
		nextCode:  1,
		nextEvent: 1,
	}
}

func (s *state) clone() *state {
	c := &state{
		codes:     make(map[referral.CodeID]referral.InvitationCode, len(s.codes)),
		byToken:   make(map[string]referral.CodeID, len(s.byToken)),
		events:    s.events[:len(s.events):len(s.events)],
		nextCode:  s.nextCode,
		nextEvent: s.nextEvent,
	}
	for id, code := range s.codes {
		c.codes[id] = code
	}
	for token, id := range s.byToken {
		c.byToken[token] = id
	}
	return c
}

func (s *state) InsertCode(_ context.Context, c referral.InvitationCode) (referral.InvitationCode, error) {
	token := strings.ToUpper(c.Code)
	if _, taken := s.byToken[token]; taken {
		return referral.InvitationCode{}, referral.ErrDuplicateCode
	}
	c.ID = s.nextCode
	s.nextCode++
	s.codes[c.ID] = c
	s.byToken[token] = c.ID
	return c, nil
}

func (s *state) GetCode(_ context.Context, id referral.CodeID) (referral.InvitationCode, error) {
	c, ok := s.codes[id]
	if !ok {
		return referral.InvitationCode{}, referral.CodeNotFound(id)
	}
	return c, nil
}

func (s *state) GetCodeByToken(ctx context.Context, code string) (referral.InvitationCode, error) {
	id, ok := s.byToken[strings.ToUpper(code)]
	if !ok {
		return referral.InvitationCode{}, &referral.NotFoundError{Kind: "code", Key: code}
	}
	return s.GetCode(ctx, id)
}

func (s *state) ListCodesByOwner(_ context.Context, ownerID referral.UserID) ([]referral.InvitationCode, error) {
	var result []referral.InvitationCode
	for _, c := range s.sortedCodes() {
		if c.OwnerID == ownerID {
			result = append(result, c)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *state) ListCodes(_ context.Context) ([]referral.InvitationCode, error) {
	return s.sortedCodes(), nil
}

func (s *state) sortedCodes() []referral.InvitationCode {
	result := make([]referral.InvitationCode, 0, len(s.codes))
	for _, c := range s.codes {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *state) SetActive(ctx context.Context, id referral.CodeID, active bool) error {
	c, err := s.GetCode(ctx, id)
	if err != nil {
		return err
	}
	c.IsActive = active
	s.codes[id] = c
	return nil
}

func (s *state) ApplyDelta(ctx context.Context, id referral.CodeID, useDelta, rewardDelta int64, at time.Time) error {
	c, err := s.GetCode(ctx, id)
	if err != nil {
		return err
	}
	c.UseCount += useDelta
	c.TotalRewards += rewardDelta
	if useDelta > 0 {
		t := at
		c.LastUsedAt = &t
	}
	s.codes[id] = c
	return nil
}

func (s *state) SetRateForActive(_ context.Context, rate int64) (int64, error) {
	var touched int64
	for id, c := range s.codes {
		if !c.IsActive {
			continue
		}
		c.RewardPoints = rate
		s.codes[id] = c
		touched++
	}
	return touched, nil
}

func (s *state) OverwriteSummary(ctx context.Context, id referral.CodeID, agg referral.Aggregate) error {
	c, err := s.GetCode(ctx, id)
	if err != nil {
		return err
	}
	c.UseCount = agg.Count
	c.TotalRewards = agg.Sum
	c.LastUsedAt = agg.LastUsedAt
	s.codes[id] = c
	return nil
}

func (s *state) AppendEvent(_ context.Context, ev referral.RedemptionEvent) (referral.RedemptionEvent, error) {
	if _, ok := s.codes[ev.CodeID]; !ok {
		return referral.RedemptionEvent{}, referral.CodeNotFound(ev.CodeID)
	}
	ev.ID = s.nextEvent
	s.nextEvent++
	s.events = append(s.events, ev)
	return ev, nil
}

func (s *state) ListEvents(_ context.Context, codeID referral.CodeID) ([]referral.RedemptionEvent, error) {
	var result []referral.RedemptionEvent
	for _, ev := range s.events {
		if ev.CodeID == codeID {
			result = append(result, ev)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].UsedAt.Equal(result[j].UsedAt) {
			return result[i].UsedAt.After(result[j].UsedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (s *state) AggregateEvents(_ context.Context, codeID referral.CodeID) (referral.Aggregate, error) {
	var agg referral.Aggregate
	for _, ev := range s.events {
		if ev.CodeID != codeID {
			continue
		}
		agg.Count++
		agg.Sum += ev.PointsAwarded
		if agg.FirstUsedAt == nil || ev.UsedAt.Before(*agg.FirstUsedAt) {
			t := ev.UsedAt
			agg.FirstUsedAt = &t
		}
		if agg.LastUsedAt == nil || ev.UsedAt.After(*agg.LastUsedAt) {
			t := ev.UsedAt
			agg.LastUsedAt = &t
		}
	}
	return agg, nil
}

