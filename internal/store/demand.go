package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// DemandStore is the record-store facade for the demands family.
//
// A demand row is created on the first local touch (validation step or list
// pre-registration) and upserted from then on: saves merge into the data map
// instead of overwriting it, so at most one row ever exists per canonical
// demand id.
type DemandStore struct {
	db  *DB
	bus *Bus
	log zerolog.Logger
}

// NewDemandStore creates a DemandStore. bus may be nil when change
// notification is not needed (tests, one-shot CLI commands).
func NewDemandStore(db *DB, bus *Bus, log zerolog.Logger) *DemandStore {
	return &DemandStore{db: db, bus: bus, log: log}
}

const demandColumns = `id, demanda_id, placa, motorista, doca, status, senha,
	data, finalizada, created_at, updated_at, synced`

// Save upserts a demand, merging data into any existing record's data map.
//
// Every save clears synced: local writes never set it, only the sync engine
// does after the remote finalize call succeeded. Denormalized fields on rec
// (placa, motorista, doca, status, senha) overwrite stored values only when
// non-empty, so a partial update never erases known info.
func (s *DemandStore) Save(ctx context.Context, rec *DemandRecord) (int64, error) {
	demandaID := CanonicalID(rec.DemandaID)
	if demandaID == "" {
		return 0, fmt.Errorf("demand id is required")
	}

	existing, err := s.Load(ctx, demandaID)
	if err != nil {
		return 0, err
	}
	now := nowMillis()

	if existing == nil {
		dataJSON, err := marshalJSONMap(rec.Data)
		if err != nil {
			return 0, err
		}
		res, err := s.db.conn.ExecContext(ctx, `
			INSERT INTO demands (demanda_id, placa, motorista, doca, status, senha,
				data, finalizada, created_at, updated_at, synced)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 0)`,
			demandaID, rec.Placa, rec.Motorista, rec.Doca, rec.Status, rec.Senha,
			dataJSON, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert demand %s: %w", demandaID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read demand row id: %w", err)
		}
		s.bus.publish(FamilyDemand, ActionSaved, demandaID, "")
		return id, nil
	}

	// Merge the data map over the stored one.
	merged := existing.Data
	if merged == nil {
		merged = map[string]any{}
	}
	for k, v := range rec.Data {
		merged[k] = v
	}
	dataJSON, err := marshalJSONMap(merged)
	if err != nil {
		return 0, err
	}

	placa := pickNonEmpty(rec.Placa, existing.Placa)
	motorista := pickNonEmpty(rec.Motorista, existing.Motorista)
	doca := pickNonEmpty(rec.Doca, existing.Doca)
	status := pickNonEmpty(rec.Status, existing.Status)
	senha := pickNonEmpty(rec.Senha, existing.Senha)

	_, err = s.db.conn.ExecContext(ctx, `
		UPDATE demands
		SET placa = ?, motorista = ?, doca = ?, status = ?, senha = ?,
			data = ?, updated_at = ?, synced = 0
		WHERE id = ?`,
		placa, motorista, doca, status, senha, dataJSON, now, existing.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update demand %s: %w", demandaID, err)
	}
	s.bus.publish(FamilyDemand, ActionSaved, demandaID, "")
	return existing.ID, nil
}

// Load returns the demand with the given id, or nil if none exists.
func (s *DemandStore) Load(ctx context.Context, demandaID string) (*DemandRecord, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+demandColumns+` FROM demands WHERE demanda_id = ?`,
		CanonicalID(demandaID),
	)
	rec, err := scanDemand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load demand %s: %w", demandaID, err)
	}
	return rec, nil
}

// All returns every demand, ordered by creation time.
func (s *DemandStore) All(ctx context.Context) ([]*DemandRecord, error) {
	return s.queryDemands(ctx,
		`SELECT `+demandColumns+` FROM demands ORDER BY created_at ASC`)
}

// Unsynced returns all demands with synced=false.
func (s *DemandStore) Unsynced(ctx context.Context) ([]*DemandRecord, error) {
	return s.queryDemands(ctx,
		`SELECT `+demandColumns+` FROM demands WHERE synced = 0 ORDER BY created_at ASC`)
}

// MarkSynced flips synced=true for one demand row. Only the sync engine calls
// this, after the remote finalize call was confirmed.
func (s *DemandStore) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE demands SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark demand %d synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("demand %d not found", id)
	}
	s.bus.publish(FamilyDemand, ActionSynced, "", fmt.Sprint(id))
	return nil
}

// MarkFinalized records that the user pressed finish for the demand.
func (s *DemandStore) MarkFinalized(ctx context.Context, demandaID string) error {
	return s.setFinalized(ctx, demandaID, true)
}

// MarkNotFinalized clears the user finish flag.
func (s *DemandStore) MarkNotFinalized(ctx context.Context, demandaID string) error {
	return s.setFinalized(ctx, demandaID, false)
}

func (s *DemandStore) setFinalized(ctx context.Context, demandaID string, v bool) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE demands SET finalizada = ?, updated_at = ? WHERE demanda_id = ?`,
		boolToInt(v), nowMillis(), CanonicalID(demandaID))
	if err != nil {
		return fmt.Errorf("failed to update finalizada for demand %s: %w", demandaID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("demand %s not found", demandaID)
	}
	s.bus.publish(FamilyDemand, ActionSaved, CanonicalID(demandaID), "")
	return nil
}

// InvalidateFinalization is the cross-record invariant maintainer: any
// conference mutation for a demand clears the demand's finalizada and synced
// flags so a correction after finalization re-triggers sync.
//
// A missing demand row is not an error - the demand may legitimately not
// exist yet (extra item added before the validation step). The miss is
// logged and the caller's mutation proceeds.
func (s *DemandStore) InvalidateFinalization(ctx context.Context, demandaID string) {
	id := CanonicalID(demandaID)
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE demands SET finalizada = 0, synced = 0, updated_at = ? WHERE demanda_id = ?`,
		nowMillis(), id)
	if err != nil {
		s.log.Warn().Err(err).Str("demanda_id", id).
			Msg("failed to invalidate demand on conference change")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Debug().Str("demanda_id", id).
			Msg("no demand row to invalidate on conference change")
		return
	}
	s.bus.publish(FamilyDemand, ActionSaved, id, "")
}

// Delete removes a demand row. Child records are not touched; they sync
// independently.
func (s *DemandStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM demands WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete demand %d: %w", id, err)
	}
	s.bus.publish(FamilyDemand, ActionDeleted, "", fmt.Sprint(id))
	return nil
}

func (s *DemandStore) queryDemands(ctx context.Context, query string, args ...any) ([]*DemandRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query demands: %w", err)
	}
	defer rows.Close()

	var out []*DemandRecord
	for rows.Next() {
		rec, err := scanDemand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan demand: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating demands: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDemand(row rowScanner) (*DemandRecord, error) {
	var rec DemandRecord
	var dataJSON string
	var finalizada, synced int
	err := row.Scan(
		&rec.ID, &rec.DemandaID, &rec.Placa, &rec.Motorista, &rec.Doca,
		&rec.Status, &rec.Senha, &dataJSON, &finalizada,
		&rec.CreatedAt, &rec.UpdatedAt, &synced,
	)
	if err != nil {
		return nil, err
	}
	rec.Data, err = unmarshalJSONMap(dataJSON)
	if err != nil {
		return nil, err
	}
	rec.Finalizada = finalizada != 0
	rec.Synced = synced != 0
	return &rec, nil
}

func pickNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
