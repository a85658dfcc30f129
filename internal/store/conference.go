package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ConferenceStore is the record-store facade for the conferences family.
//
// Conference rows are keyed by the derived item id (demandaId-sku for manifest
// items, a generated id for extras). Every mutation also runs the cross-record
// invariant: the parent demand's finalizada and synced flags are cleared, so a
// correction after finalization forces re-finalization and re-sync.
type ConferenceStore struct {
	db      *DB
	bus     *Bus
	demands *DemandStore
	log     zerolog.Logger
}

// NewConferenceStore creates a ConferenceStore bound to the demand store that
// receives invariant updates.
func NewConferenceStore(db *DB, bus *Bus, demands *DemandStore, log zerolog.Logger) *ConferenceStore {
	return &ConferenceStore{db: db, bus: bus, demands: demands, log: log}
}

const conferenceColumns = `id, item_id, demanda_id, sku, description,
	expected_quantity, checked_quantity, expected_box_quantity, box_quantity,
	lote, is_checked, is_extra, created_at, updated_at, synced`

// Save upserts a conference record by item id. The write clears synced and
// invalidates the parent demand's finalization.
func (s *ConferenceStore) Save(ctx context.Context, rec *ConferenceRecord) (int64, error) {
	if rec.ItemID == "" {
		return 0, fmt.Errorf("conference item id is required")
	}
	rec.DemandaID = CanonicalID(rec.DemandaID)
	if rec.DemandaID == "" {
		return 0, fmt.Errorf("conference demand id is required")
	}
	now := nowMillis()

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO conferences (item_id, demanda_id, sku, description,
			expected_quantity, checked_quantity, expected_box_quantity, box_quantity,
			lote, is_checked, is_extra, created_at, updated_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(item_id) DO UPDATE SET
			demanda_id = excluded.demanda_id,
			sku = excluded.sku,
			description = excluded.description,
			expected_quantity = excluded.expected_quantity,
			checked_quantity = excluded.checked_quantity,
			expected_box_quantity = excluded.expected_box_quantity,
			box_quantity = excluded.box_quantity,
			lote = excluded.lote,
			is_checked = excluded.is_checked,
			is_extra = excluded.is_extra,
			updated_at = excluded.updated_at,
			synced = 0`,
		rec.ItemID, rec.DemandaID, rec.SKU, rec.Description,
		rec.ExpectedQuantity, rec.CheckedQuantity, rec.ExpectedBoxQuantity, rec.BoxQuantity,
		rec.Lote, boolToInt(rec.IsChecked), boolToInt(rec.IsExtra), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save conference %s: %w", rec.ItemID, err)
	}

	stored, err := s.ByItem(ctx, rec.ItemID)
	if err != nil {
		return 0, err
	}
	if stored == nil {
		return 0, fmt.Errorf("conference %s missing after save", rec.ItemID)
	}

	s.demands.InvalidateFinalization(ctx, rec.DemandaID)
	s.bus.publish(FamilyConference, ActionSaved, rec.DemandaID, rec.ItemID)
	return stored.ID, nil
}

// InsertMissing atomically inserts the given records, skipping any item id
// that already exists. Used to hydrate the expected manifest items for a
// demand: either every missing item appears or none do, and re-running the
// hydration never duplicates or overwrites rows.
//
// The parent demand is invalidated in the same transaction when at least one
// row was inserted.
func (s *ConferenceStore) InsertMissing(ctx context.Context, demandaID string, recs []*ConferenceRecord) (int, error) {
	demandaID = CanonicalID(demandaID)
	now := nowMillis()
	inserted := 0

	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if rec.ItemID == "" {
				return fmt.Errorf("conference item id is required")
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO conferences (item_id, demanda_id, sku, description,
					expected_quantity, checked_quantity, expected_box_quantity, box_quantity,
					lote, is_checked, is_extra, created_at, updated_at, synced)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
				ON CONFLICT(item_id) DO NOTHING`,
				rec.ItemID, demandaID, rec.SKU, rec.Description,
				rec.ExpectedQuantity, rec.CheckedQuantity, rec.ExpectedBoxQuantity, rec.BoxQuantity,
				rec.Lote, boolToInt(rec.IsChecked), boolToInt(rec.IsExtra), now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert conference %s: %w", rec.ItemID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		if inserted > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE demands SET finalizada = 0, synced = 0, updated_at = ? WHERE demanda_id = ?`,
				now, demandaID); err != nil {
				return fmt.Errorf("failed to invalidate demand %s: %w", demandaID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		s.bus.publish(FamilyConference, ActionSaved, demandaID, "")
		s.bus.publish(FamilyDemand, ActionSaved, demandaID, "")
	}
	return inserted, nil
}

// ByItem returns the conference with the given item id, or nil if none exists.
func (s *ConferenceStore) ByItem(ctx context.Context, itemID string) (*ConferenceRecord, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+conferenceColumns+` FROM conferences WHERE item_id = ?`, itemID)
	rec, err := scanConference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conference %s: %w", itemID, err)
	}
	return rec, nil
}

// ByDemand returns every conference for a demand, ordered by creation time.
func (s *ConferenceStore) ByDemand(ctx context.Context, demandaID string) ([]*ConferenceRecord, error) {
	return s.queryConferences(ctx,
		`SELECT `+conferenceColumns+` FROM conferences WHERE demanda_id = ? ORDER BY created_at ASC`,
		CanonicalID(demandaID))
}

// All returns every conference record.
func (s *ConferenceStore) All(ctx context.Context) ([]*ConferenceRecord, error) {
	return s.queryConferences(ctx,
		`SELECT `+conferenceColumns+` FROM conferences ORDER BY created_at ASC`)
}

// Unsynced returns all conferences with synced=false.
func (s *ConferenceStore) Unsynced(ctx context.Context) ([]*ConferenceRecord, error) {
	return s.queryConferences(ctx,
		`SELECT `+conferenceColumns+` FROM conferences WHERE synced = 0 ORDER BY created_at ASC`)
}

// UnsyncedByDemand returns the unsynced conferences for one demand.
func (s *ConferenceStore) UnsyncedByDemand(ctx context.Context, demandaID string) ([]*ConferenceRecord, error) {
	return s.queryConferences(ctx,
		`SELECT `+conferenceColumns+` FROM conferences WHERE demanda_id = ? AND synced = 0 ORDER BY created_at ASC`,
		CanonicalID(demandaID))
}

// MarkSynced flips synced=true for one conference row.
func (s *ConferenceStore) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE conferences SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark conference %d synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conference %d not found", id)
	}
	s.bus.publish(FamilyConference, ActionSynced, "", fmt.Sprint(id))
	return nil
}

// MarkSyncedByDemand flips synced=true for every conference of a demand.
// The sync engine uses this after a blind-count submission was confirmed.
func (s *ConferenceStore) MarkSyncedByDemand(ctx context.Context, demandaID string) error {
	id := CanonicalID(demandaID)
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE conferences SET synced = 1 WHERE demanda_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark conferences synced for demand %s: %w", id, err)
	}
	s.bus.publish(FamilyConference, ActionSynced, id, "")
	return nil
}

// Delete removes a conference row and invalidates the parent demand.
func (s *ConferenceStore) Delete(ctx context.Context, itemID string) error {
	rec, err := s.ByItem(ctx, itemID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("conference %s not found", itemID)
	}
	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM conferences WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to delete conference %s: %w", itemID, err)
	}
	s.demands.InvalidateFinalization(ctx, rec.DemandaID)
	s.bus.publish(FamilyConference, ActionDeleted, rec.DemandaID, itemID)
	return nil
}

// ConferenceStats summarizes the verification progress of one demand.
type ConferenceStats struct {
	DemandaID      string `json:"demandaId"`
	TotalItems     int    `json:"totalItems"`
	CheckedItems   int    `json:"checkedItems"`
	UncheckedItems int    `json:"uncheckedItems"`
	DivergentItems int    `json:"divergentItems"`
	ExtraItems     int    `json:"extraItems"`
	AllChecked     bool   `json:"allChecked"`
	HasDivergences bool   `json:"hasDivergences"`
}

// Stats computes the progress summary for one demand by scanning its rows.
// Never cached: any row mutation can change the result. Divergence follows
// the per-record rule on ConferenceRecord.HasDivergence.
func (s *ConferenceStore) Stats(ctx context.Context, demandaID string) (*ConferenceStats, error) {
	recs, err := s.ByDemand(ctx, demandaID)
	if err != nil {
		return nil, err
	}
	stats := &ConferenceStats{DemandaID: CanonicalID(demandaID), TotalItems: len(recs)}
	for _, rec := range recs {
		if rec.IsChecked {
			stats.CheckedItems++
		} else {
			stats.UncheckedItems++
		}
		if rec.IsExtra {
			stats.ExtraItems++
		}
		if rec.HasDivergence() {
			stats.DivergentItems++
		}
	}
	stats.AllChecked = stats.TotalItems > 0 && stats.CheckedItems == stats.TotalItems
	stats.HasDivergences = stats.DivergentItems > 0
	return stats, nil
}

func (s *ConferenceStore) queryConferences(ctx context.Context, query string, args ...any) ([]*ConferenceRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conferences: %w", err)
	}
	defer rows.Close()

	var out []*ConferenceRecord
	for rows.Next() {
		rec, err := scanConference(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conference: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conferences: %w", err)
	}
	return out, nil
}

func scanConference(row rowScanner) (*ConferenceRecord, error) {
	var rec ConferenceRecord
	var expectedBox, box sql.NullInt64
	var isChecked, isExtra, synced int
	err := row.Scan(
		&rec.ID, &rec.ItemID, &rec.DemandaID, &rec.SKU, &rec.Description,
		&rec.ExpectedQuantity, &rec.CheckedQuantity, &expectedBox, &box,
		&rec.Lote, &isChecked, &isExtra, &rec.CreatedAt, &rec.UpdatedAt, &synced,
	)
	if err != nil {
		return nil, err
	}
	if expectedBox.Valid {
		v := int(expectedBox.Int64)
		rec.ExpectedBoxQuantity = &v
	}
	if box.Valid {
		v := int(box.Int64)
		rec.BoxQuantity = &v
	}
	rec.IsChecked = isChecked != 0
	rec.IsExtra = isExtra != 0
	rec.Synced = synced != 0
	return &rec, nil
}
