package storage

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/pkg/models"
)

// mockStore implements Store with in-memory storage. Rows are copied through
// a JSON round-trip on the way in and out so callers cannot reach shared
// state, same as a real persistence boundary.
type mockStore struct {
	mu            sync.Mutex
	rows          map[int64]models.Row
	registrations map[string]models.Registration
	nextID        int64
}

func NewMockStore() Store {
	return &mockStore{
		rows:          make(map[int64]models.Row),
		registrations: make(map[string]models.Registration),
	}
}

func cloneRow(row models.Row) models.Row {
	raw, err := json.Marshal(row)
	if err != nil {
		panic(err)
	}
	var out models.Row
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}

func (m *mockStore) GetRow(id int64) (models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return models.Row{}, errors.Wrapf(ErrNotFound, "row %d", id)
	}
	return cloneRow(row), nil
}

func (m *mockStore) WriteRow(row models.Row) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	row.ID = m.nextID
	row.CreatedAt = time.Now()
	row.UpdatedAt = row.CreatedAt
	m.rows[row.ID] = cloneRow(row)
	return row.ID, nil
}

func (m *mockStore) UpdateRow(id int64, upd models.RowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "row %d", id)
	}
	if upd.Status != nil {
		row.Status = *upd.Status
	}
	if upd.Runner != nil {
		row.Runner = *upd.Runner
	}
	if upd.Label != nil {
		row.Label = *upd.Label
	}
	if upd.RunName != nil {
		row.RunName = *upd.RunName
	}
	if upd.Payload != nil {
		row.Payload = append(json.RawMessage{}, upd.Payload...)
	}
	if upd.Data != nil {
		row.Data = *upd.Data
	}
	if upd.KeyValues != nil {
		if row.Data.KeyValues == nil {
			row.Data.KeyValues = map[string]interface{}{}
		}
		for k, v := range upd.KeyValues {
			row.Data.KeyValues[k] = v
		}
	}
	row.UpdatedAt = time.Now()
	m.rows[id] = cloneRow(row)
	return nil
}

func (m *mockStore) SelectIDs(status models.Status, runner string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []int64{}
	for id, row := range m.rows {
		if row.Status != status {
			continue
		}
		if runner != "" && row.Runner != runner {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mockStore) CountRows(status models.Status, runner string) (int, error) {
	ids, err := m.SelectIDs(status, runner)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (m *mockStore) MaxRowID() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID, nil
}

func (m *mockStore) GetRegistration(name string) (models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[name]
	if !ok {
		return models.Registration{}, errors.Wrapf(ErrNotFound, "runner %q", name)
	}
	return reg, nil
}

func (m *mockStore) SaveRegistration(reg models.Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg.UpdatedAt = time.Now()
	m.registrations[reg.Name] = reg
	return nil
}

func (m *mockStore) ListRegistrations() ([]models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := make([]models.Registration, 0, len(m.registrations))
	for _, reg := range m.registrations {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Name < regs[j].Name })
	return regs, nil
}

func (m *mockStore) DeleteRegistration(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[name]; !ok {
		return errors.Wrapf(ErrNotFound, "runner %q", name)
	}
	delete(m.registrations, name)
	return nil
}

func (m *mockStore) SetRunning(name string, running bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[name]
	if !ok {
		// runner removed forcefully while spooling; nothing to clear
		return nil
	}
	reg.Running = running
	if !running {
		reg.ExplicitStop = false
	}
	reg.UpdatedAt = time.Now()
	m.registrations[name] = reg
	return nil
}

func (m *mockStore) RequestStop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "runner %q", name)
	}
	reg.ExplicitStop = true
	reg.UpdatedAt = time.Now()
	m.registrations[name] = reg
	return nil
}

func (m *mockStore) Close() error {
	return nil
}
