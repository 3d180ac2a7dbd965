// Package settlement owns the countdown latch between a plan's sell phase
// and its buy phase: shared counters plus a compare-and-set phase word.
package settlement

import (
	"context"
	"sync"

	apperrors "rebalancer/pkg/errors"

	"rebalancer/internal/core"
)

// MemoryStore is the single-process core.ISettlementStore. It carries the
// same semantics as the Redis store: one atomic decrement per settled sell,
// so exactly one caller observes the zero crossing.
type MemoryStore struct {
	mu    sync.Mutex
	plans map[string]*planState
}

type planState struct {
	outstandingSells int64
	filledCents      int64
	failedSellCents  int64
	phase            core.PlanPhase
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*planState)}
}

func (s *MemoryStore) InitPlan(ctx context.Context, planID string, outstandingSells int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[planID] = &planState{
		outstandingSells: outstandingSells,
		phase:            core.PhaseSelling,
	}
	return nil
}

func (s *MemoryStore) DecrementOutstandingSells(ctx context.Context, planID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return 0, apperrors.ErrPlanUnknown
	}
	p.outstandingSells--
	return p.outstandingSells, nil
}

func (s *MemoryStore) AddFilledValue(ctx context.Context, planID string, cents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return apperrors.ErrPlanUnknown
	}
	p.filledCents += cents
	return nil
}

func (s *MemoryStore) AddFailedSellValue(ctx context.Context, planID string, cents int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return 0, apperrors.ErrPlanUnknown
	}
	p.failedSellCents += cents
	return p.failedSellCents, nil
}

func (s *MemoryStore) GetFilledValue(ctx context.Context, planID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return 0, apperrors.ErrPlanUnknown
	}
	return p.filledCents, nil
}

func (s *MemoryStore) GetFailedSellValue(ctx context.Context, planID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return 0, apperrors.ErrPlanUnknown
	}
	return p.failedSellCents, nil
}

func (s *MemoryStore) GetPhase(ctx context.Context, planID string) (core.PlanPhase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return "", apperrors.ErrPlanUnknown
	}
	return p.phase, nil
}

func (s *MemoryStore) CompareAndSetPhase(ctx context.Context, planID string, from, to core.PlanPhase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[planID]
	if !ok {
		return false, apperrors.ErrPlanUnknown
	}
	if p.phase != from {
		return false, nil
	}
	p.phase = to
	return true, nil
}
