package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/storage"
)

// PostgresStore implements storage.Store on top of Postgres. Row data and
// registration settings live in jsonb columns; status and runner are plain
// indexed columns so sweeps can filter on both.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// InitStore opens the store and sizes the pool for the engine's access
// pattern: a single polling loop plus the occasional CLI call.
func InitStore(connStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(connStr)
	if err != nil {
		return nil, err
	}
	store.db.SetMaxOpenConns(4)
	store.db.SetMaxIdleConns(2)
	return store, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowRecord struct {
	ID        int64     `db:"id"`
	Status    string    `db:"status"`
	Runner    string    `db:"runner"`
	Label     string    `db:"label"`
	RunName   string    `db:"run_name"`
	Payload   []byte    `db:"payload"`
	Data      []byte    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r rowRecord) toModel() (models.Row, error) {
	row := models.Row{
		ID:        r.ID,
		Status:    models.Status(r.Status),
		Runner:    r.Runner,
		Label:     r.Label,
		RunName:   r.RunName,
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &row.Data); err != nil {
			return models.Row{}, fmt.Errorf("row %d: decode data: %w", r.ID, err)
		}
	}
	return row, nil
}

func (s *PostgresStore) GetRow(id int64) (models.Row, error) {
	var rec rowRecord
	err := s.db.Get(&rec, "SELECT * FROM rows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Row{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Row{}, err
	}
	return rec.toModel()
}

func (s *PostgresStore) WriteRow(row models.Row) (int64, error) {
	data, err := json.Marshal(row.Data)
	if err != nil {
		return 0, fmt.Errorf("write row: encode data: %w", err)
	}
	payload := row.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	var id int64
	err = s.db.QueryRowx(`
		INSERT INTO rows (status, runner, label, run_name, payload, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP) RETURNING id`,
		string(row.Status), row.Runner, row.Label, row.RunName, []byte(payload), data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("write row: %w", err)
	}
	return id, nil
}

// UpdateRow applies the partial update as a single statement so the row
// never becomes visible in a half-updated state.
func (s *PostgresStore) UpdateRow(id int64, upd models.RowUpdate) error {
	sets := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status)))
	}
	if upd.Runner != nil {
		sets = append(sets, "runner = "+arg(*upd.Runner))
	}
	if upd.Label != nil {
		sets = append(sets, "label = "+arg(*upd.Label))
	}
	if upd.RunName != nil {
		sets = append(sets, "run_name = "+arg(*upd.RunName))
	}
	if upd.Payload != nil {
		sets = append(sets, "payload = "+arg([]byte(upd.Payload)))
	}
	if upd.Data != nil {
		data, err := json.Marshal(upd.Data)
		if err != nil {
			return fmt.Errorf("update row %d: encode data: %w", id, err)
		}
		sets = append(sets, "data = "+arg(data))
	}
	if upd.KeyValues != nil {
		kv, err := json.Marshal(upd.KeyValues)
		if err != nil {
			return fmt.Errorf("update row %d: encode key values: %w", id, err)
		}
		sets = append(sets,
			"data = jsonb_set(COALESCE(data, '{}'::jsonb), '{key_value_pairs}', "+
				"COALESCE(data->'key_value_pairs', '{}'::jsonb) || "+arg(kv)+"::jsonb)")
	}
	query := "UPDATE rows SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(id)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update row %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SelectIDs(status models.Status, runner string) ([]int64, error) {
	ids := []int64{}
	var err error
	if runner == "" {
		err = s.db.Select(&ids, "SELECT id FROM rows WHERE status = $1 ORDER BY id", string(status))
	} else {
		err = s.db.Select(&ids, "SELECT id FROM rows WHERE status = $1 AND runner = $2 ORDER BY id", string(status), runner)
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *PostgresStore) CountRows(status models.Status, runner string) (int, error) {
	var count int
	var err error
	if runner == "" {
		err = s.db.Get(&count, "SELECT COUNT(*) FROM rows WHERE status = $1", string(status))
	} else {
		err = s.db.Get(&count, "SELECT COUNT(*) FROM rows WHERE status = $1 AND runner = $2", string(status), runner)
	}
	return count, err
}

func (s *PostgresStore) MaxRowID() (int64, error) {
	var max int64
	err := s.db.Get(&max, "SELECT COALESCE(MAX(id), 0) FROM rows")
	return max, err
}

type registrationRecord struct {
	Name         string    `db:"name"`
	Settings     []byte    `db:"settings"`
	Running      bool      `db:"running"`
	ExplicitStop bool      `db:"explicit_stop"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r registrationRecord) toModel() (models.Registration, error) {
	reg := models.Registration{
		Name:         r.Name,
		Running:      r.Running,
		ExplicitStop: r.ExplicitStop,
		UpdatedAt:    r.UpdatedAt,
	}
	if len(r.Settings) > 0 {
		if err := json.Unmarshal(r.Settings, &reg.Settings); err != nil {
			return models.Registration{}, fmt.Errorf("runner %q: decode settings: %w", r.Name, err)
		}
	}
	return reg, nil
}

func (s *PostgresStore) GetRegistration(name string) (models.Registration, error) {
	var rec registrationRecord
	err := s.db.Get(&rec, "SELECT * FROM runners WHERE name = $1", name)
	if err == sql.ErrNoRows {
		return models.Registration{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Registration{}, err
	}
	return rec.toModel()
}

func (s *PostgresStore) SaveRegistration(reg models.Registration) error {
	settings, err := json.Marshal(reg.Settings)
	if err != nil {
		return fmt.Errorf("runner %q: encode settings: %w", reg.Name, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO runners (name, settings, running, explicit_stop, updated_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE
		SET settings = EXCLUDED.settings, running = EXCLUDED.running,
		    explicit_stop = EXCLUDED.explicit_stop, updated_at = CURRENT_TIMESTAMP`,
		reg.Name, settings, reg.Running, reg.ExplicitStop)
	return err
}

func (s *PostgresStore) ListRegistrations() ([]models.Registration, error) {
	var recs []registrationRecord
	if err := s.db.Select(&recs, "SELECT * FROM runners ORDER BY name"); err != nil {
		return nil, err
	}
	regs := make([]models.Registration, 0, len(recs))
	for _, rec := range recs {
		reg, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (s *PostgresStore) DeleteRegistration(name string) error {
	res, err := s.db.Exec("DELETE FROM runners WHERE name = $1", name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetRunning flips the running flag; clearing it also clears any pending
// stop request. A missing registration is not an error so a forcefully
// removed runner can still shut down cleanly.
func (s *PostgresStore) SetRunning(name string, running bool) error {
	if running {
		_, err := s.db.Exec(
			"UPDATE runners SET running = TRUE, updated_at = CURRENT_TIMESTAMP WHERE name = $1", name)
		return err
	}
	_, err := s.db.Exec(
		"UPDATE runners SET running = FALSE, explicit_stop = FALSE, updated_at = CURRENT_TIMESTAMP WHERE name = $1", name)
	return err
}

func (s *PostgresStore) RequestStop(name string) error {
	res, err := s.db.Exec(
		"UPDATE runners SET explicit_stop = TRUE, updated_at = CURRENT_TIMESTAMP WHERE name = $1", name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
