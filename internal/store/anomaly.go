package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AnomalyStore is the record-store facade for the anomalies family.
//
// Anomalies accumulate: an item can have several, and a "replicate to all
// checked items" action creates one row per item sharing a replicated group
// id. Rows are insert-only from the workflow's point of view; corrections go
// through Delete plus a fresh insert.
type AnomalyStore struct {
	db  *DB
	bus *Bus
	log zerolog.Logger
}

// NewAnomalyStore creates an AnomalyStore.
func NewAnomalyStore(db *DB, bus *Bus, log zerolog.Logger) *AnomalyStore {
	return &AnomalyStore{db: db, bus: bus, log: log}
}

const anomalyColumns = `id, item_id, demanda_id, sku, lote, quantity,
	quantity_box, quantity_unit, description, photos, replicated_group_id,
	idempotency_key, created_at, updated_at, synced`

// Save inserts an anomaly row. An idempotency key is generated when the
// caller did not provide one, so the remote submission can be retried after a
// lost response without producing a duplicate.
func (s *AnomalyStore) Save(ctx context.Context, rec *AnomalyRecord) (int64, error) {
	if rec.ItemID == "" {
		return 0, fmt.Errorf("anomaly item id is required")
	}
	rec.DemandaID = CanonicalID(rec.DemandaID)
	if rec.DemandaID == "" {
		return 0, fmt.Errorf("anomaly demand id is required")
	}
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = uuid.NewString()
	}
	photosJSON, err := marshalStringList(rec.Photos)
	if err != nil {
		return 0, err
	}
	now := nowMillis()

	res, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO anomalies (item_id, demanda_id, sku, lote, quantity,
			quantity_box, quantity_unit, description, photos, replicated_group_id,
			idempotency_key, created_at, updated_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.ItemID, rec.DemandaID, rec.SKU, rec.Lote, rec.Quantity,
		rec.QuantityBox, rec.QuantityUnit, rec.Description, photosJSON,
		rec.ReplicatedGroupID, rec.IdempotencyKey, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert anomaly for item %s: %w", rec.ItemID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read anomaly row id: %w", err)
	}
	s.bus.publish(FamilyAnomaly, ActionSaved, rec.DemandaID, rec.ItemID)
	return id, nil
}

// ByItem returns every anomaly recorded for one conference item.
func (s *AnomalyStore) ByItem(ctx context.Context, itemID string) ([]*AnomalyRecord, error) {
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE item_id = ? ORDER BY created_at ASC`,
		itemID)
}

// ByDemand returns every anomaly for a demand.
func (s *AnomalyStore) ByDemand(ctx context.Context, demandaID string) ([]*AnomalyRecord, error) {
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE demanda_id = ? ORDER BY created_at ASC`,
		CanonicalID(demandaID))
}

// All returns every anomaly record.
func (s *AnomalyStore) All(ctx context.Context) ([]*AnomalyRecord, error) {
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies ORDER BY created_at ASC`)
}

// Unsynced returns all anomalies with synced=false, ordered by creation time
// so replicated group members are processed together.
func (s *AnomalyStore) Unsynced(ctx context.Context) ([]*AnomalyRecord, error) {
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE synced = 0 ORDER BY created_at ASC`)
}

// UnsyncedByDemand returns the unsynced anomalies for one demand.
func (s *AnomalyStore) UnsyncedByDemand(ctx context.Context, demandaID string) ([]*AnomalyRecord, error) {
	return s.queryAnomalies(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE demanda_id = ? AND synced = 0 ORDER BY created_at ASC`,
		CanonicalID(demandaID))
}

// MarkSynced flips synced=true for one anomaly row.
func (s *AnomalyStore) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE anomalies SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark anomaly %d synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("anomaly %d not found", id)
	}
	s.bus.publish(FamilyAnomaly, ActionSynced, "", fmt.Sprint(id))
	return nil
}

// Delete removes one anomaly row.
func (s *AnomalyStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM anomalies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete anomaly %d: %w", id, err)
	}
	s.bus.publish(FamilyAnomaly, ActionDeleted, "", fmt.Sprint(id))
	return nil
}

func (s *AnomalyStore) queryAnomalies(ctx context.Context, query string, args ...any) ([]*AnomalyRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomalies: %w", err)
	}
	defer rows.Close()

	var out []*AnomalyRecord
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating anomalies: %w", err)
	}
	return out, nil
}

func scanAnomaly(row rowScanner) (*AnomalyRecord, error) {
	var rec AnomalyRecord
	var qtyBox, qtyUnit sql.NullInt64
	var photosJSON string
	var synced int
	err := row.Scan(
		&rec.ID, &rec.ItemID, &rec.DemandaID, &rec.SKU, &rec.Lote, &rec.Quantity,
		&qtyBox, &qtyUnit, &rec.Description, &photosJSON, &rec.ReplicatedGroupID,
		&rec.IdempotencyKey, &rec.CreatedAt, &rec.UpdatedAt, &synced,
	)
	if err != nil {
		return nil, err
	}
	if qtyBox.Valid {
		v := int(qtyBox.Int64)
		rec.QuantityBox = &v
	}
	if qtyUnit.Valid {
		v := int(qtyUnit.Int64)
		rec.QuantityUnit = &v
	}
	rec.Photos, err = unmarshalStringList(photosJSON)
	if err != nil {
		return nil, err
	}
	rec.Synced = synced != 0
	return &rec, nil
}
