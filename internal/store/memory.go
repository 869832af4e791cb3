package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"AutoInvest/internal/model"
)

// MemoryStore keeps everything in process memory. Used for tests and dry runs.
type MemoryStore struct {
	mu         sync.RWMutex
	schedules  map[string]*model.Schedule
	audit      []model.AuditEntry
	policies   map[string][]*model.InvestmentPolicy
	executions map[string]*model.ExecutionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules:  make(map[string]*model.Schedule),
		policies:   make(map[string][]*model.InvestmentPolicy),
		executions: make(map[string]*model.ExecutionRecord),
	}
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s *model.Schedule, entry *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[s.ID]; ok {
		return model.ErrConcurrentUpdate
	}
	s.Version = 1
	m.schedules[s.ID] = s.Clone()
	m.appendAudit(entry)
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, accountID, scheduleID string) (*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[scheduleID]
	if !ok || s.AccountID != accountID {
		return nil, model.ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListSchedules(_ context.Context, accountID string, filter model.ScheduleFilter) ([]*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Schedule
	for _, s := range m.schedules {
		if s.AccountID == accountID && filter.Match(s) {
			out = append(out, s.Clone())
		}
	}
	sortSchedules(out)
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s *model.Schedule, entry *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.schedules[s.ID]
	if !ok || cur.AccountID != s.AccountID {
		return model.ErrNotFound
	}
	if cur.Version != s.Version {
		return model.ErrConcurrentUpdate
	}
	s.Version++
	m.schedules[s.ID] = s.Clone()
	m.appendAudit(entry)
	return nil
}

func (m *MemoryStore) DueSchedules(_ context.Context, now time.Time) ([]*model.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Schedule
	for _, s := range m.schedules {
		if s.Status == model.StatusActive && !s.NextExecutionDate.After(now) && !s.InBackoff(now) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextExecutionDate.Equal(out[j].NextExecutionDate) {
			return out[i].NextExecutionDate.Before(out[j].NextExecutionDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) AuditTrail(_ context.Context, scheduleID string) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.AuditEntry
	for _, e := range m.audit {
		if e.ScheduleID == scheduleID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) appendAudit(entry *model.AuditEntry) {
	if entry == nil {
		return
	}
	entry.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, *entry)
}

func (m *MemoryStore) PutPolicy(_ context.Context, p *model.InvestmentPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.policies[p.AccountID]
	p.Version = len(versions) + 1
	cp := clonePolicy(p)
	m.policies[p.AccountID] = append(versions, cp)
	return nil
}

func (m *MemoryStore) CurrentPolicy(_ context.Context, accountID string) (*model.InvestmentPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.policies[accountID]
	if len(versions) == 0 {
		return nil, model.ErrNotFound
	}
	return clonePolicy(versions[len(versions)-1]), nil
}

func (m *MemoryStore) PolicyHistory(_ context.Context, accountID string) ([]*model.InvestmentPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.policies[accountID]
	if len(versions) == 0 {
		return nil, model.ErrNotFound
	}
	out := make([]*model.InvestmentPolicy, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, clonePolicy(versions[i]))
	}
	return out, nil
}

func (m *MemoryStore) PolicyAccounts(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.policies))
	for id := range m.policies {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) RecordExecution(_ context.Context, rec *model.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if prev, ok := m.executions[rec.Token]; ok {
		cp.Attempts = prev.Attempts + 1
	} else {
		cp.Attempts = 1
	}
	rec.Attempts = cp.Attempts
	m.executions[rec.Token] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, token string) (*model.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.executions[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Executions(_ context.Context, scheduleID string) ([]model.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ExecutionRecord
	for _, rec := range m.executions {
		if rec.ScheduleID == scheduleID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func sortSchedules(list []*model.Schedule) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func clonePolicy(p *model.InvestmentPolicy) *model.InvestmentPolicy {
	cp := *p
	cp.InvestmentObjectives = append([]string(nil), p.InvestmentObjectives...)
	cp.TargetAllocation = make(map[string]model.AllocationBand, len(p.TargetAllocation))
	for k, v := range p.TargetAllocation {
		cp.TargetAllocation[k] = v
	}
	return &cp
}
