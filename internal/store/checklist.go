package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ChecklistStore is the record-store facade for the checklists family.
// At most one checklist exists per demand; saves overwrite it in place.
type ChecklistStore struct {
	db  *DB
	bus *Bus
	log zerolog.Logger
}

// NewChecklistStore creates a ChecklistStore.
func NewChecklistStore(db *DB, bus *Bus, log zerolog.Logger) *ChecklistStore {
	return &ChecklistStore{db: db, bus: bus, log: log}
}

const checklistColumns = `id, demanda_id, foto_bau_aberto, foto_bau_fechado,
	temperatura_bau, temperatura_produto, anomalias, created_at, updated_at, synced`

// Save upserts the checklist for a demand, overwriting any previous one and
// clearing synced.
func (s *ChecklistStore) Save(ctx context.Context, rec *ChecklistRecord) (int64, error) {
	rec.DemandaID = CanonicalID(rec.DemandaID)
	if rec.DemandaID == "" {
		return 0, fmt.Errorf("checklist demand id is required")
	}
	now := nowMillis()

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO checklists (demanda_id, foto_bau_aberto, foto_bau_fechado,
			temperatura_bau, temperatura_produto, anomalias, created_at, updated_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(demanda_id) DO UPDATE SET
			foto_bau_aberto = excluded.foto_bau_aberto,
			foto_bau_fechado = excluded.foto_bau_fechado,
			temperatura_bau = excluded.temperatura_bau,
			temperatura_produto = excluded.temperatura_produto,
			anomalias = excluded.anomalias,
			updated_at = excluded.updated_at,
			synced = 0`,
		rec.DemandaID, rec.FotoBauAberto, rec.FotoBauFechado,
		rec.TemperaturaBau, rec.TemperaturaProduto, rec.Anomalias, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save checklist for demand %s: %w", rec.DemandaID, err)
	}

	stored, err := s.ByDemand(ctx, rec.DemandaID)
	if err != nil {
		return 0, err
	}
	if stored == nil {
		return 0, fmt.Errorf("checklist for demand %s missing after save", rec.DemandaID)
	}
	s.bus.publish(FamilyChecklist, ActionSaved, rec.DemandaID, "")
	return stored.ID, nil
}

// ByDemand returns the checklist for a demand, or nil if none exists.
func (s *ChecklistStore) ByDemand(ctx context.Context, demandaID string) (*ChecklistRecord, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+checklistColumns+` FROM checklists WHERE demanda_id = ?`,
		CanonicalID(demandaID))
	rec, err := scanChecklist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checklist for demand %s: %w", demandaID, err)
	}
	return rec, nil
}

// All returns every checklist record.
func (s *ChecklistStore) All(ctx context.Context) ([]*ChecklistRecord, error) {
	return s.queryChecklists(ctx,
		`SELECT `+checklistColumns+` FROM checklists ORDER BY created_at ASC`)
}

// Unsynced returns all checklists with synced=false.
func (s *ChecklistStore) Unsynced(ctx context.Context) ([]*ChecklistRecord, error) {
	return s.queryChecklists(ctx,
		`SELECT `+checklistColumns+` FROM checklists WHERE synced = 0 ORDER BY created_at ASC`)
}

// MarkSynced flips synced=true for one checklist row.
func (s *ChecklistStore) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE checklists SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark checklist %d synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("checklist %d not found", id)
	}
	s.bus.publish(FamilyChecklist, ActionSynced, "", fmt.Sprint(id))
	return nil
}

// Delete removes the checklist for a demand.
func (s *ChecklistStore) Delete(ctx context.Context, demandaID string) error {
	id := CanonicalID(demandaID)
	_, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM checklists WHERE demanda_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete checklist for demand %s: %w", id, err)
	}
	s.bus.publish(FamilyChecklist, ActionDeleted, id, "")
	return nil
}

func (s *ChecklistStore) queryChecklists(ctx context.Context, query string, args ...any) ([]*ChecklistRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checklists: %w", err)
	}
	defer rows.Close()

	var out []*ChecklistRecord
	for rows.Next() {
		rec, err := scanChecklist(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checklist: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checklists: %w", err)
	}
	return out, nil
}

func scanChecklist(row rowScanner) (*ChecklistRecord, error) {
	var rec ChecklistRecord
	var synced int
	err := row.Scan(
		&rec.ID, &rec.DemandaID, &rec.FotoBauAberto, &rec.FotoBauFechado,
		&rec.TemperaturaBau, &rec.TemperaturaProduto, &rec.Anomalias,
		&rec.CreatedAt, &rec.UpdatedAt, &synced,
	)
	if err != nil {
		return nil, err
	}
	rec.Synced = synced != 0
	return &rec, nil
}
