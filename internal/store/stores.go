package store

import "github.com/rs/zerolog"

// Stores bundles the per-family record stores over one database and one
// change bus. Everything above the persistence layer takes this aggregate.
type Stores struct {
	DB           *DB
	Bus          *Bus
	Demands      *DemandStore
	Conferences  *ConferenceStore
	Checklists   *ChecklistStore
	Anomalies    *AnomalyStore
	FinishPhotos *FinishPhotoStore
	Products     *ProductStore
}

// NewStores wires the per-family stores. The conference store gets a handle
// on the demand store so conference mutations can clear the parent demand's
// finalization flags.
func NewStores(db *DB, bus *Bus, log zerolog.Logger) *Stores {
	demands := NewDemandStore(db, bus, log)
	return &Stores{
		DB:           db,
		Bus:          bus,
		Demands:      demands,
		Conferences:  NewConferenceStore(db, bus, demands, log),
		Checklists:   NewChecklistStore(db, bus, log),
		Anomalies:    NewAnomalyStore(db, bus, log),
		FinishPhotos: NewFinishPhotoStore(db, bus, log),
		Products:     NewProductStore(db, bus, log),
	}
}
