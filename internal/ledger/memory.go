package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memKey struct {
	tenantID   string
	deliveryID string
}

// Memory is an in-process Ledger. The map key plays the role of the
// unique constraint.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[memKey]*Record
}

func NewMemory() *Memory {
	return &Memory{
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[memKey]*Record),
	}
}

func copyRecord(r Record) Record {
	r.Payload = append([]byte(nil), r.Payload...)
	r.Metadata = r.Metadata.Clone()
	if r.ProcessedAt != nil {
		at := *r.ProcessedAt
		r.ProcessedAt = &at
	}
	return r
}

func (m *Memory) RecordIfNew(ctx context.Context, tenantID string, e Entry) (Record, bool, error) {
	if err := e.validate(); err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey{tenantID, e.DeliveryID}
	if existing, ok := m.records[key]; ok {
		return copyRecord(*existing), false, nil
	}

	now := m.now()
	rec := &Record{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		DeliveryID: e.DeliveryID,
		EventType:  e.EventType,
		Payload:    append([]byte(nil), e.Payload...),
		TaskType:   e.TaskType,
		Priority:   e.Priority,
		Metadata:   e.Metadata.Clone(),
		TaskCount:  e.TaskCount,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.records[key] = rec
	return copyRecord(*rec), true, nil
}

func (m *Memory) lookup(tenantID, deliveryID string) (*Record, error) {
	rec, ok := m.records[memKey{tenantID, deliveryID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, deliveryID)
	}
	return rec, nil
}

func (m *Memory) MarkProcessed(ctx context.Context, tenantID, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookup(tenantID, deliveryID)
	if err != nil {
		return err
	}
	now := m.now()
	rec.Status = StatusProcessed
	rec.Error = ""
	rec.ProcessedAt = &now
	rec.UpdatedAt = now
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, tenantID, deliveryID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookup(tenantID, deliveryID)
	if err != nil {
		return err
	}
	rec.Status = StatusFailed
	rec.Error = errMsg
	rec.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Get(ctx context.Context, tenantID, deliveryID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookup(tenantID, deliveryID)
	if err != nil {
		return Record{}, err
	}
	return copyRecord(*rec), nil
}

// List returns newest first
func (m *Memory) List(ctx context.Context, tenantID string, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for k, rec := range m.records {
		if k.tenantID != tenantID {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		if f.EventType != "" && rec.EventType != f.EventType {
			continue
		}
		out = append(out, copyRecord(*rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].DeliveryID > out[j].DeliveryID
	})
	if limit := f.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimReplay(ctx context.Context, tenantID, deliveryID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.lookup(tenantID, deliveryID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusFailed {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrNotReplayable, deliveryID, rec.Status)
	}
	rec.Status = StatusPending
	rec.UpdatedAt = m.now()
	return copyRecord(*rec), nil
}
