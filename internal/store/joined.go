package store

import (
	"context"
)

// DemandWithItems is the joined view of one demand: the demand row plus every
// child record keyed to its canonical id. Used by the status surfaces and the
// diagnostics dashboard; the join happens in memory, not in SQL, so each
// family keeps its own simple table shape.
type DemandWithItems struct {
	Demand       *DemandRecord        `json:"demand"`
	Conferences  []*ConferenceRecord  `json:"conferences"`
	Anomalies    []*AnomalyRecord     `json:"anomalies"`
	Checklist    *ChecklistRecord     `json:"checklist,omitempty"`
	FinishPhotos []*FinishPhotoRecord `json:"finishPhotos"`

	SyncedConferences   int `json:"syncedConferences"`
	UnsyncedConferences int `json:"unsyncedConferences"`
	SyncedAnomalies     int `json:"syncedAnomalies"`
	UnsyncedAnomalies   int `json:"unsyncedAnomalies"`
}

// FullySynced reports whether the demand and all of its child records have
// been confirmed by the remote system.
func (d *DemandWithItems) FullySynced() bool {
	if !d.Demand.Synced {
		return false
	}
	if d.UnsyncedConferences > 0 || d.UnsyncedAnomalies > 0 {
		return false
	}
	if d.Checklist != nil && !d.Checklist.Synced {
		return false
	}
	for _, fp := range d.FinishPhotos {
		if !fp.Synced {
			return false
		}
	}
	return true
}

// AllWithItems returns every demand joined with its child records, ordered by
// demand creation time.
func (s *Stores) AllWithItems(ctx context.Context) ([]*DemandWithItems, error) {
	demands, err := s.Demands.All(ctx)
	if err != nil {
		return nil, err
	}

	conferences, err := s.Conferences.All(ctx)
	if err != nil {
		return nil, err
	}
	anomalies, err := s.Anomalies.All(ctx)
	if err != nil {
		return nil, err
	}
	checklists, err := s.Checklists.All(ctx)
	if err != nil {
		return nil, err
	}
	finishPhotos, err := s.FinishPhotos.All(ctx)
	if err != nil {
		return nil, err
	}

	byDemand := make(map[string]*DemandWithItems, len(demands))
	var out []*DemandWithItems
	for _, d := range demands {
		item := &DemandWithItems{
			Demand:       d,
			Conferences:  []*ConferenceRecord{},
			Anomalies:    []*AnomalyRecord{},
			FinishPhotos: []*FinishPhotoRecord{},
		}
		byDemand[CanonicalID(d.DemandaID)] = item
		out = append(out, item)
	}

	for _, c := range conferences {
		if item, ok := byDemand[CanonicalID(c.DemandaID)]; ok {
			item.Conferences = append(item.Conferences, c)
			if c.Synced {
				item.SyncedConferences++
			} else {
				item.UnsyncedConferences++
			}
		}
	}
	for _, a := range anomalies {
		if item, ok := byDemand[CanonicalID(a.DemandaID)]; ok {
			item.Anomalies = append(item.Anomalies, a)
			if a.Synced {
				item.SyncedAnomalies++
			} else {
				item.UnsyncedAnomalies++
			}
		}
	}
	for _, cl := range checklists {
		if item, ok := byDemand[CanonicalID(cl.DemandaID)]; ok {
			item.Checklist = cl
		}
	}
	for _, fp := range finishPhotos {
		if item, ok := byDemand[CanonicalID(fp.DemandaID)]; ok {
			item.FinishPhotos = append(item.FinishPhotos, fp)
		}
	}

	return out, nil
}

// WithItems returns the joined view for one demand, or nil if the demand does
// not exist locally.
func (s *Stores) WithItems(ctx context.Context, demandaID string) (*DemandWithItems, error) {
	d, err := s.Demands.Load(ctx, demandaID)
	if err != nil || d == nil {
		return nil, err
	}

	item := &DemandWithItems{
		Demand:       d,
		Conferences:  []*ConferenceRecord{},
		Anomalies:    []*AnomalyRecord{},
		FinishPhotos: []*FinishPhotoRecord{},
	}
	if item.Conferences, err = s.Conferences.ByDemand(ctx, demandaID); err != nil {
		return nil, err
	}
	if item.Anomalies, err = s.Anomalies.ByDemand(ctx, demandaID); err != nil {
		return nil, err
	}
	if item.Checklist, err = s.Checklists.ByDemand(ctx, demandaID); err != nil {
		return nil, err
	}
	if item.FinishPhotos, err = s.FinishPhotos.ByDemand(ctx, demandaID); err != nil {
		return nil, err
	}

	for _, c := range item.Conferences {
		if c.Synced {
			item.SyncedConferences++
		} else {
			item.UnsyncedConferences++
		}
	}
	for _, a := range item.Anomalies {
		if a.Synced {
			item.SyncedAnomalies++
		} else {
			item.UnsyncedAnomalies++
		}
	}
	return item, nil
}
