// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/dues-engine/dues"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

var (
	_ dues.TxStore = (*Memory)(nil)
	_ dues.Store   = (*txView)(nil)
)

type memoryState struct {
	residents   map[dues.ResidentID]dues.Resident
	payments    map[dues.PaymentID]dues.Payment
	credentials map[dues.CredentialID]dues.Credential
	links       map[dues.ResidentID]map[dues.CredentialID]bool

	nextResident   int64
	nextPayment    int64
	nextCredential int64
}

func NewMemory() *Memory {
	return &Memory{state: memoryState{
		residents:   make(map[dues.ResidentID]dues.Resident),
		payments:    make(map[dues.PaymentID]dues.Payment),
		credentials: make(map[dues.CredentialID]dues.Credential),
		links:       make(map[dues.ResidentID]map[dues.CredentialID]bool),
	}}
}

// =============================================================================
// SEEDING HELPERS
// =============================================================================

// AddResident stores r with a fresh ID and returns it.
func (m *Memory) AddResident(r dues.Resident) dues.ResidentID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.nextResident++
	r.ID = dues.ResidentID(m.state.nextResident)
	r.CreatedAt = time.Now().UTC()
	m.state.residents[r.ID] = r
	return r.ID
}

// AddCredential stores an inactive credential and returns its ID.
func (m *Memory) AddCredential(code string) dues.CredentialID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.nextCredential++
	id := dues.CredentialID(m.state.nextCredential)
	m.state.credentials[id] = dues.Credential{ID: id, Code: code, CreatedAt: time.Now().UTC()}
	return id
}

// Link attaches a credential to a resident.
func (m *Memory) Link(residentID dues.ResidentID, credentialID dues.CredentialID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.links[residentID] == nil {
		m.state.links[residentID] = make(map[dues.CredentialID]bool)
	}
	m.state.links[residentID][credentialID] = true
}

// Credential returns a copy of the credential, or false if missing.
func (m *Memory) Credential(id dues.CredentialID) (dues.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.state.credentials[id]
	return c, ok
}

// =============================================================================
// dues.Store
// =============================================================================

func (m *Memory) CreatePayment(_ context.Context, p *dues.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.createPayment(p)
	return nil
}

func (m *Memory) UpdatePayment(_ context.Context, p dues.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updatePayment(p)
}

func (m *Memory) DeletePayment(_ context.Context, id dues.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state.payments, id)
	return nil
}

func (m *Memory) GetPayment(_ context.Context, id dues.PaymentID) (*dues.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPayment(id), nil
}

func (m *Memory) PaymentsForPeriod(_ context.Context, residentID dues.ResidentID, period dues.Period) ([]dues.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.paymentsForPeriod(residentID, period), nil
}

func (m *Memory) QueryPayments(_ context.Context, filter dues.PaymentFilter) ([]dues.PaymentView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.queryPayments(filter), nil
}

func (m *Memory) GetResident(_ context.Context, id dues.ResidentID) (*dues.Resident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getResident(id), nil
}

func (m *Memory) ListResidents(_ context.Context) ([]dues.Resident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listResidents(), nil
}

func (m *Memory) CredentialsForResident(_ context.Context, residentID dues.ResidentID) ([]dues.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.credentialsFor(residentID), nil
}

func (m *Memory) SetResidentCredentialsActive(_ context.Context, residentID dues.ResidentID, active bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.setActive(residentID, active), nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(dues.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txView runs against the locked state without taking the mutex again.
type txView struct {
	state *memoryState
}

func (v *txView) CreatePayment(_ context.Context, p *dues.Payment) error {
	v.state.createPayment(p)
	return nil
}

func (v *txView) UpdatePayment(_ context.Context, p dues.Payment) error {
	return v.state.updatePayment(p)
}

func (v *txView) DeletePayment(_ context.Context, id dues.PaymentID) error {
	delete(v.state.payments, id)
	return nil
}

func (v *txView) GetPayment(_ context.Context, id dues.PaymentID) (*dues.Payment, error) {
	return v.state.getPayment(id), nil
}

func (v *txView) PaymentsForPeriod(_ context.Context, residentID dues.ResidentID, period dues.Period) ([]dues.Payment, error) {
	return v.state.paymentsForPeriod(residentID, period), nil
}

func (v *txView) QueryPayments(_ context.Context, filter dues.PaymentFilter) ([]dues.PaymentView, error) {
	return v.state.queryPayments(filter), nil
}

func (v *txView) GetResident(_ context.Context, id dues.ResidentID) (*dues.Resident, error) {
	return v.state.getResident(id), nil
}

func (v *txView) ListResidents(_ context.Context) ([]dues.Resident, error) {
	return v.state.listResidents(), nil
}

func (v *txView) CredentialsForResident(_ context.Context, residentID dues.ResidentID) ([]dues.Credential, error) {
	return v.state.credentialsFor(residentID), nil
}

func (v *txView) SetResidentCredentialsActive(_ context.Context, residentID dues.ResidentID, active bool) (int, error) {
	return v.state.setActive(residentID, active), nil
}

// =============================================================================
// STATE OPERATIONS (caller holds the lock)
// =============================================================================

func (s *memoryState) createPayment(p *dues.Payment) {
	s.nextPayment++
	p.ID = dues.PaymentID(s.nextPayment)
	p.CreatedAt = time.Now().UTC()
	s.payments[p.ID] = *p
}

func (s *memoryState) updatePayment(p dues.Payment) error {
	existing, ok := s.payments[p.ID]
	if !ok {
		return &dues.NotFoundError{Resource: "payment", ID: p.ID}
	}
	p.CreatedAt = existing.CreatedAt
	s.payments[p.ID] = p
	return nil
}

func (s *memoryState) getPayment(id dues.PaymentID) *dues.Payment {
	p, ok := s.payments[id]
	if !ok {
		return nil
	}
	return &p
}

func (s *memoryState) paymentsForPeriod(residentID dues.ResidentID, period dues.Period) []dues.Payment {
	var result []dues.Payment
	for _, p := range s.payments {
		if p.ResidentID == residentID && p.Period == period {
			result = append(result, p)
		}
	}
	sortChronological(result)
	return result
}

func (s *memoryState) queryPayments(filter dues.PaymentFilter) []dues.PaymentView {
	result := []dues.PaymentView{}
	for _, p := range s.payments {
		r := s.residents[p.ResidentID]
		if !filter.Matches(p, r) {
			continue
		}
		result = append(result, dues.PaymentView{
			Payment:      p,
			ResidentName: r.Name,
			Street:       r.Street,
			HouseNumber:  r.HouseNumber,
		})
	}

	switch filter.Order {
	case dues.OrderChronological:
		sort.Slice(result, func(i, j int) bool {
			return chronologicalLess(result[i].Payment, result[j].Payment)
		})
	default:
		sort.Slice(result, func(i, j int) bool {
			a, b := result[i].Payment, result[j].Payment
			if a.Period != b.Period {
				return a.Period.After(b.Period)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID > b.ID
		})
	}

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func (s *memoryState) getResident(id dues.ResidentID) *dues.Resident {
	r, ok := s.residents[id]
	if !ok {
		return nil
	}
	return &r
}

func (s *memoryState) listResidents() []dues.Resident {
	result := make([]dues.Resident, 0, len(s.residents))
	for _, r := range s.residents {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *memoryState) credentialsFor(residentID dues.ResidentID) []dues.Credential {
	var result []dues.Credential
	for id := range s.links[residentID] {
		if c, ok := s.credentials[id]; ok {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *memoryState) setActive(residentID dues.ResidentID, active bool) int {
	n := 0
	for id := range s.links[residentID] {
		c, ok := s.credentials[id]
		if !ok {
			continue
		}
		c.Active = active
		s.credentials[id] = c
		n++
	}
	return n
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		residents:      make(map[dues.ResidentID]dues.Resident, len(s.residents)),
		payments:       make(map[dues.PaymentID]dues.Payment, len(s.payments)),
		credentials:    make(map[dues.CredentialID]dues.Credential, len(s.credentials)),
		links:          make(map[dues.ResidentID]map[dues.CredentialID]bool, len(s.links)),
		nextResident:   s.nextResident,
		nextPayment:    s.nextPayment,
		nextCredential: s.nextCredential,
	}
	for k, v := range s.residents {
		c.residents[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.credentials {
		c.credentials[k] = v
	}
	for k, v := range s.links {
		inner := make(map[dues.CredentialID]bool, len(v))
		for ck, cv := range v {
			inner[ck] = cv
		}
		c.links[k] = inner
	}
	return c
}

func sortChronological(ps []dues.Payment) {
	sort.Slice(ps, func(i, j int) bool { return chronologicalLess(ps[i], ps[j]) })
}

func chronologicalLess(a, b dues.Payment) bool {
	if !a.CollectionDate.Equal(b.CollectionDate) {
		return a.CollectionDate.Before(b.CollectionDate)
	}
	return a.ID < b.ID
}
