package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// FinishPhotoStore is the record-store facade for the finish_photos family.
//
// At most one unsynced record exists per demand. Saving replaces that record
// wholesale with the new ordered photo set; saving an empty set deletes it.
// Synced records are history and never touched by later saves.
type FinishPhotoStore struct {
	db  *DB
	bus *Bus
	log zerolog.Logger
}

// NewFinishPhotoStore creates a FinishPhotoStore.
func NewFinishPhotoStore(db *DB, bus *Bus, log zerolog.Logger) *FinishPhotoStore {
	return &FinishPhotoStore{db: db, bus: bus, log: log}
}

const finishPhotoColumns = `id, demanda_id, photos, created_at, updated_at, synced`

// Save replaces the unsynced closing-photo set for a demand. An empty photo
// list removes the pending record entirely.
func (s *FinishPhotoStore) Save(ctx context.Context, demandaID string, photos []string) (int64, error) {
	id := CanonicalID(demandaID)
	if id == "" {
		return 0, fmt.Errorf("finish photo demand id is required")
	}
	now := nowMillis()

	if len(photos) == 0 {
		if _, err := s.db.conn.ExecContext(ctx,
			`DELETE FROM finish_photos WHERE demanda_id = ? AND synced = 0`, id); err != nil {
			return 0, fmt.Errorf("failed to clear finish photos for demand %s: %w", id, err)
		}
		s.bus.publish(FamilyFinishPhoto, ActionDeleted, id, "")
		return 0, nil
	}

	photosJSON, err := marshalStringList(photos)
	if err != nil {
		return 0, err
	}

	var rowID int64
	err = s.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM finish_photos WHERE demanda_id = ? AND synced = 0`, id); err != nil {
			return fmt.Errorf("failed to replace finish photos for demand %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO finish_photos (demanda_id, photos, created_at, updated_at, synced)
			VALUES (?, ?, ?, ?, 0)`,
			id, photosJSON, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert finish photos for demand %s: %w", id, err)
		}
		rowID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read finish photo row id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.bus.publish(FamilyFinishPhoto, ActionSaved, id, "")
	return rowID, nil
}

// Pending returns the unsynced closing-photo record for a demand, or nil.
func (s *FinishPhotoStore) Pending(ctx context.Context, demandaID string) (*FinishPhotoRecord, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+finishPhotoColumns+` FROM finish_photos WHERE demanda_id = ? AND synced = 0`,
		CanonicalID(demandaID))
	rec, err := scanFinishPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load finish photos for demand %s: %w", demandaID, err)
	}
	return rec, nil
}

// ByDemand returns every closing-photo record for one demand, synced or not.
func (s *FinishPhotoStore) ByDemand(ctx context.Context, demandaID string) ([]*FinishPhotoRecord, error) {
	return s.queryFinishPhotos(ctx,
		`SELECT `+finishPhotoColumns+` FROM finish_photos WHERE demanda_id = ? ORDER BY created_at ASC`,
		CanonicalID(demandaID))
}

// All returns every closing-photo record.
func (s *FinishPhotoStore) All(ctx context.Context) ([]*FinishPhotoRecord, error) {
	return s.queryFinishPhotos(ctx,
		`SELECT `+finishPhotoColumns+` FROM finish_photos ORDER BY created_at ASC`)
}

// Unsynced returns all closing-photo records with synced=false.
func (s *FinishPhotoStore) Unsynced(ctx context.Context) ([]*FinishPhotoRecord, error) {
	return s.queryFinishPhotos(ctx,
		`SELECT `+finishPhotoColumns+` FROM finish_photos WHERE synced = 0 ORDER BY created_at ASC`)
}

// MarkSynced flips synced=true for one closing-photo row.
func (s *FinishPhotoStore) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.db.conn.ExecContext(ctx,
		`UPDATE finish_photos SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark finish photos %d synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish photos %d not found", id)
	}
	s.bus.publish(FamilyFinishPhoto, ActionSynced, "", fmt.Sprint(id))
	return nil
}

func (s *FinishPhotoStore) queryFinishPhotos(ctx context.Context, query string, args ...any) ([]*FinishPhotoRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query finish photos: %w", err)
	}
	defer rows.Close()

	var out []*FinishPhotoRecord
	for rows.Next() {
		rec, err := scanFinishPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finish photos: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating finish photos: %w", err)
	}
	return out, nil
}

func scanFinishPhoto(row rowScanner) (*FinishPhotoRecord, error) {
	var rec FinishPhotoRecord
	var photosJSON string
	var synced int
	err := row.Scan(&rec.ID, &rec.DemandaID, &photosJSON,
		&rec.CreatedAt, &rec.UpdatedAt, &synced)
	if err != nil {
		return nil, err
	}
	rec.Photos, err = unmarshalStringList(photosJSON)
	if err != nil {
		return nil, err
	}
	rec.Synced = synced != 0
	return &rec, nil
}
