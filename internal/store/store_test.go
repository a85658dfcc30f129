package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestStores(t *testing.T) *Stores {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	return NewStores(db, NewBus(), zerolog.Nop())
}

func intPtr(v int) *int { return &v }

func TestCanonicalID(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "123", "123"},
		{"string with spaces", "  123  ", "123"},
		{"int", 123, "123"},
		{"int64", int64(123), "123"},
		{"whole float", float64(123), "123"},
		{"fractional float", 123.5, "123.5"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalID(tt.in); got != tt.want {
				t.Errorf("CanonicalID(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	if !SameID("123", float64(123)) {
		t.Error("SameID should match string and numeric forms of the same id")
	}
	if SameID("123", "124") {
		t.Error("SameID should not match distinct ids")
	}
}

func TestDemandSaveMergesData(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id1, err := s.Demands.Save(ctx, &DemandRecord{
		DemandaID: "123",
		Placa:     "ABC1234",
		Data:      map[string]any{"origem": "CD-01"},
	})
	if err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}

	id2, err := s.Demands.Save(ctx, &DemandRecord{
		DemandaID: "123",
		Data:      map[string]any{"rota": "R-7"},
	})
	if err != nil {
		t.Fatalf("Failed to re-save demand: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Re-save created a new row: ids %d and %d", id1, id2)
	}

	rec, err := s.Demands.Load(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if rec == nil {
		t.Fatal("Demand not found after save")
	}
	if rec.Data["origem"] != "CD-01" {
		t.Errorf("Merge lost earlier key origem: got %v", rec.Data["origem"])
	}
	if rec.Data["rota"] != "R-7" {
		t.Errorf("Merge missing new key rota: got %v", rec.Data["rota"])
	}
	if rec.Placa != "ABC1234" {
		t.Errorf("Partial update erased placa: got %q", rec.Placa)
	}

	all, err := s.Demands.All(ctx)
	if err != nil {
		t.Fatalf("Failed to list demands: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected 1 demand row, got %d", len(all))
	}
}

func TestDemandSaveClearsSynced(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id, err := s.Demands.Save(ctx, &DemandRecord{DemandaID: "42"})
	if err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	if err := s.Demands.MarkSynced(ctx, id); err != nil {
		t.Fatalf("Failed to mark demand synced: %v", err)
	}

	if _, err := s.Demands.Save(ctx, &DemandRecord{
		DemandaID: "42",
		Data:      map[string]any{"obs": "corrigido"},
	}); err != nil {
		t.Fatalf("Failed to re-save demand: %v", err)
	}

	rec, err := s.Demands.Load(ctx, "42")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if rec.Synced {
		t.Error("Local write should clear synced")
	}
}

func TestConferenceSaveInvalidatesDemand(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	demandID, err := s.Demands.Save(ctx, &DemandRecord{DemandaID: "123"})
	if err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	if err := s.Demands.MarkFinalized(ctx, "123"); err != nil {
		t.Fatalf("Failed to finalize demand: %v", err)
	}
	if err := s.Demands.MarkSynced(ctx, demandID); err != nil {
		t.Fatalf("Failed to mark demand synced: %v", err)
	}

	if _, err := s.Conferences.Save(ctx, &ConferenceRecord{
		ItemID:           "123-SKU1",
		DemandaID:        "123",
		SKU:              "SKU1",
		ExpectedQuantity: 10,
		CheckedQuantity:  10,
		IsChecked:        true,
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}

	rec, err := s.Demands.Load(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if rec.Finalizada {
		t.Error("Conference save should clear finalizada on the parent demand")
	}
	if rec.Synced {
		t.Error("Conference save should clear synced on the parent demand")
	}
}

func TestConferenceDeleteInvalidatesDemand(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	if _, err := s.Demands.Save(ctx, &DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	if _, err := s.Conferences.Save(ctx, &ConferenceRecord{
		ItemID: "123-SKU1", DemandaID: "123", SKU: "SKU1",
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}
	if err := s.Demands.MarkFinalized(ctx, "123"); err != nil {
		t.Fatalf("Failed to finalize demand: %v", err)
	}

	if err := s.Conferences.Delete(ctx, "123-SKU1"); err != nil {
		t.Fatalf("Failed to delete conference: %v", err)
	}

	rec, err := s.Demands.Load(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if rec.Finalizada {
		t.Error("Conference delete should clear finalizada on the parent demand")
	}
}

func TestConferenceSaveWithoutDemand(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	// The parent demand may not exist yet; the conference write still lands.
	if _, err := s.Conferences.Save(ctx, &ConferenceRecord{
		ItemID: "999-SKU1", DemandaID: "999", SKU: "SKU1",
	}); err != nil {
		t.Fatalf("Conference save without demand should succeed: %v", err)
	}

	rec, err := s.Conferences.ByItem(ctx, "999-SKU1")
	if err != nil {
		t.Fatalf("Failed to load conference: %v", err)
	}
	if rec == nil {
		t.Fatal("Conference not found after save")
	}
}

func TestHasDivergence(t *testing.T) {
	tests := []struct {
		name string
		rec  ConferenceRecord
		want bool
	}{
		{
			"unchecked never diverges",
			ConferenceRecord{ExpectedQuantity: 10, CheckedQuantity: 0, IsChecked: false},
			false,
		},
		{
			"checked and matching",
			ConferenceRecord{ExpectedQuantity: 10, CheckedQuantity: 10, IsChecked: true},
			false,
		},
		{
			"unit mismatch",
			ConferenceRecord{ExpectedQuantity: 10, CheckedQuantity: 8, IsChecked: true},
			true,
		},
		{
			"box mismatch with expectation defined",
			ConferenceRecord{
				ExpectedQuantity: 10, CheckedQuantity: 10, IsChecked: true,
				ExpectedBoxQuantity: intPtr(2), BoxQuantity: intPtr(1),
			},
			true,
		},
		{
			"box expectation defined but nothing counted",
			ConferenceRecord{
				ExpectedQuantity: 10, CheckedQuantity: 10, IsChecked: true,
				ExpectedBoxQuantity: intPtr(2),
			},
			true,
		},
		{
			"no box expectation ignores box count",
			ConferenceRecord{
				ExpectedQuantity: 10, CheckedQuantity: 10, IsChecked: true,
				BoxQuantity: intPtr(5),
			},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.HasDivergence(); got != tt.want {
				t.Errorf("HasDivergence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConferenceStats(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	if _, err := s.Demands.Save(ctx, &DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	if _, err := s.Conferences.Save(ctx, &ConferenceRecord{
		ItemID: "123-A", DemandaID: "123", SKU: "A",
		ExpectedQuantity: 10, CheckedQuantity: 10, IsChecked: true,
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}
	if _, err := s.Conferences.Save(ctx, &ConferenceRecord{
		ItemID: "123-B", DemandaID: "123", SKU: "B",
		ExpectedQuantity: 5, CheckedQuantity: 3, IsChecked: true,
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}

	stats, err := s.Conferences.Stats(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to compute stats: %v", err)
	}
	if stats.TotalItems != 2 {
		t.Errorf("TotalItems = %d, want 2", stats.TotalItems)
	}
	if stats.CheckedItems != 2 {
		t.Errorf("CheckedItems = %d, want 2", stats.CheckedItems)
	}
	if stats.UncheckedItems != 0 {
		t.Errorf("UncheckedItems = %d, want 0", stats.UncheckedItems)
	}
	if stats.DivergentItems != 1 {
		t.Errorf("DivergentItems = %d, want 1", stats.DivergentItems)
	}
	if !stats.AllChecked {
		t.Error("AllChecked should be true")
	}
	if !stats.HasDivergences {
		t.Error("HasDivergences should be true")
	}

	// A third, untouched item shows up as unchecked and never diverges.
	if _, err := s.Conferences.Save(ctx, &ConferenceRecord{
		ItemID: "123-C", DemandaID: "123", SKU: "C", ExpectedQuantity: 7,
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}
	stats, err = s.Conferences.Stats(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to recompute stats: %v", err)
	}
	if stats.UncheckedItems != 1 || stats.AllChecked {
		t.Errorf("Unchecked breakdown wrong: %+v", stats)
	}
	if stats.DivergentItems != 1 {
		t.Errorf("Unchecked item must not diverge: %+v", stats)
	}
}

func TestInsertMissingIsIdempotent(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	if _, err := s.Demands.Save(ctx, &DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}

	items := []*ConferenceRecord{
		{ItemID: "123-A", SKU: "A", ExpectedQuantity: 10},
		{ItemID: "123-B", SKU: "B", ExpectedQuantity: 5},
	}
	n, err := s.Conferences.InsertMissing(ctx, "123", items)
	if err != nil {
		t.Fatalf("Failed to insert items: %v", err)
	}
	if n != 2 {
		t.Errorf("First hydration inserted %d rows, want 2", n)
	}

	// Record a count, then hydrate again: the checked row must survive.
	if _, err := s.Conferences.Save(ctx, &ConferenceRecord{
		ItemID: "123-A", DemandaID: "123", SKU: "A",
		ExpectedQuantity: 10, CheckedQuantity: 9, IsChecked: true,
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}

	n, err = s.Conferences.InsertMissing(ctx, "123", items)
	if err != nil {
		t.Fatalf("Failed to re-run hydration: %v", err)
	}
	if n != 0 {
		t.Errorf("Re-hydration inserted %d rows, want 0", n)
	}

	rec, err := s.Conferences.ByItem(ctx, "123-A")
	if err != nil {
		t.Fatalf("Failed to load conference: %v", err)
	}
	if !rec.IsChecked || rec.CheckedQuantity != 9 {
		t.Errorf("Re-hydration overwrote recorded count: checked=%v qty=%d",
			rec.IsChecked, rec.CheckedQuantity)
	}
}

func TestChecklistOverwrite(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id1, err := s.Checklists.Save(ctx, &ChecklistRecord{
		DemandaID:     "123",
		FotoBauAberto: "aberto-1.jpg",
	})
	if err != nil {
		t.Fatalf("Failed to save checklist: %v", err)
	}

	id2, err := s.Checklists.Save(ctx, &ChecklistRecord{
		DemandaID:      "123",
		FotoBauAberto:  "aberto-2.jpg",
		TemperaturaBau: "4.5",
	})
	if err != nil {
		t.Fatalf("Failed to re-save checklist: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Checklist re-save created a new row: ids %d and %d", id1, id2)
	}

	rec, err := s.Checklists.ByDemand(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load checklist: %v", err)
	}
	if rec.FotoBauAberto != "aberto-2.jpg" {
		t.Errorf("Checklist save should overwrite: got %q", rec.FotoBauAberto)
	}
	if !rec.HasAnyPhoto() {
		t.Error("HasAnyPhoto should be true")
	}
}

func TestFinishPhotoReplaceAndDelete(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	if _, err := s.FinishPhotos.Save(ctx, "123", []string{"a.jpg", "b.jpg"}); err != nil {
		t.Fatalf("Failed to save finish photos: %v", err)
	}
	if _, err := s.FinishPhotos.Save(ctx, "123", []string{"c.jpg"}); err != nil {
		t.Fatalf("Failed to replace finish photos: %v", err)
	}

	rec, err := s.FinishPhotos.Pending(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load finish photos: %v", err)
	}
	if rec == nil {
		t.Fatal("Pending finish photos not found")
	}
	if len(rec.Photos) != 1 || rec.Photos[0] != "c.jpg" {
		t.Errorf("Save should replace the photo set wholesale: got %v", rec.Photos)
	}

	all, err := s.FinishPhotos.ByDemand(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to list finish photos: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Expected a single unsynced row per demand, got %d", len(all))
	}

	// Empty save removes the pending record.
	if _, err := s.FinishPhotos.Save(ctx, "123", nil); err != nil {
		t.Fatalf("Failed to clear finish photos: %v", err)
	}
	rec, err = s.FinishPhotos.Pending(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load finish photos: %v", err)
	}
	if rec != nil {
		t.Error("Empty save should delete the pending record")
	}
}

func TestFinishPhotoSyncedRecordSurvivesReplace(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id, err := s.FinishPhotos.Save(ctx, "123", []string{"a.jpg"})
	if err != nil {
		t.Fatalf("Failed to save finish photos: %v", err)
	}
	if err := s.FinishPhotos.MarkSynced(ctx, id); err != nil {
		t.Fatalf("Failed to mark finish photos synced: %v", err)
	}

	if _, err := s.FinishPhotos.Save(ctx, "123", []string{"b.jpg"}); err != nil {
		t.Fatalf("Failed to save new finish photos: %v", err)
	}

	all, err := s.FinishPhotos.ByDemand(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to list finish photos: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Synced record should survive a later save: got %d rows", len(all))
	}
}

func TestProductReplaceAll(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	first := []*ProductRecord{
		{SKU: "SKU1", Descricao: "Caixa 12un"},
		{SKU: "SKU2", Descricao: "Garrafa 2L"},
	}
	if err := s.Products.ReplaceAll(ctx, first); err != nil {
		t.Fatalf("Failed to replace catalog: %v", err)
	}

	second := []*ProductRecord{
		{SKU: "SKU3", Descricao: "Lata 350ml"},
	}
	if err := s.Products.ReplaceAll(ctx, second); err != nil {
		t.Fatalf("Failed to replace catalog again: %v", err)
	}

	n, err := s.Products.Count(ctx)
	if err != nil {
		t.Fatalf("Failed to count products: %v", err)
	}
	if n != 1 {
		t.Errorf("Replace should be wholesale: got %d products, want 1", n)
	}

	p, err := s.Products.BySKU(ctx, "SKU1")
	if err != nil {
		t.Fatalf("Failed to look up product: %v", err)
	}
	if p != nil {
		t.Error("Old catalog entry should be gone after replace")
	}
}

func TestAnomalyIdempotencyKeyAssigned(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	id, err := s.Anomalies.Save(ctx, &AnomalyRecord{
		ItemID:      "123-A",
		DemandaID:   "123",
		SKU:         "A",
		Quantity:    2,
		Description: "Avaria",
		Photos:      []string{"foto1.jpg"},
	})
	if err != nil {
		t.Fatalf("Failed to save anomaly: %v", err)
	}
	if id == 0 {
		t.Fatal("Expected a row id")
	}

	recs, err := s.Anomalies.ByItem(ctx, "123-A")
	if err != nil {
		t.Fatalf("Failed to load anomalies: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Expected 1 anomaly, got %d", len(recs))
	}
	if recs[0].IdempotencyKey == "" {
		t.Error("Save should assign an idempotency key")
	}
	if len(recs[0].Photos) != 1 || recs[0].Photos[0] != "foto1.jpg" {
		t.Errorf("Photos round-trip failed: got %v", recs[0].Photos)
	}
}

func TestBusPublishOnWrite(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	ch, cancel := s.Bus.Subscribe(8)
	defer cancel()

	if _, err := s.Demands.Save(ctx, &DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}

	select {
	case c := <-ch:
		if c.Family != FamilyDemand || c.Action != ActionSaved {
			t.Errorf("Unexpected change %+v", c)
		}
		if c.DemandaID != "123" {
			t.Errorf("Change demand id = %q, want 123", c.DemandaID)
		}
	default:
		t.Fatal("Expected a change on the bus after a save")
	}
}

func TestAllWithItems(t *testing.T) {
	s := newTestStores(t)
	ctx := context.Background()

	if _, err := s.Demands.Save(ctx, &DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	if _, err := s.Conferences.Save(ctx, &ConferenceRecord{
		ItemID: "123-A", DemandaID: "123", SKU: "A",
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}
	confID, err := s.Conferences.ByItem(ctx, "123-A")
	if err != nil {
		t.Fatalf("Failed to load conference: %v", err)
	}
	if _, err := s.Anomalies.Save(ctx, &AnomalyRecord{
		ItemID: "123-A", DemandaID: "123", SKU: "A", Quantity: 1,
	}); err != nil {
		t.Fatalf("Failed to save anomaly: %v", err)
	}
	if _, err := s.Checklists.Save(ctx, &ChecklistRecord{
		DemandaID: "123", FotoBauAberto: "a.jpg",
	}); err != nil {
		t.Fatalf("Failed to save checklist: %v", err)
	}

	joined, err := s.AllWithItems(ctx)
	if err != nil {
		t.Fatalf("Failed to join records: %v", err)
	}
	if len(joined) != 1 {
		t.Fatalf("Expected 1 joined demand, got %d", len(joined))
	}
	d := joined[0]
	if len(d.Conferences) != 1 || len(d.Anomalies) != 1 || d.Checklist == nil {
		t.Errorf("Join missing children: conf=%d anom=%d checklist=%v",
			len(d.Conferences), len(d.Anomalies), d.Checklist != nil)
	}
	if d.UnsyncedConferences != 1 || d.UnsyncedAnomalies != 1 {
		t.Errorf("Unsynced breakdown wrong: conf=%d anom=%d",
			d.UnsyncedConferences, d.UnsyncedAnomalies)
	}
	if d.FullySynced() {
		t.Error("Demand with unsynced children should not be fully synced")
	}

	// Sync everything and re-check.
	if err := s.Conferences.MarkSynced(ctx, confID.ID); err != nil {
		t.Fatalf("Failed to mark conference synced: %v", err)
	}
	anoms, err := s.Anomalies.ByDemand(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load anomalies: %v", err)
	}
	if err := s.Anomalies.MarkSynced(ctx, anoms[0].ID); err != nil {
		t.Fatalf("Failed to mark anomaly synced: %v", err)
	}
	cl, err := s.Checklists.ByDemand(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load checklist: %v", err)
	}
	if err := s.Checklists.MarkSynced(ctx, cl.ID); err != nil {
		t.Fatalf("Failed to mark checklist synced: %v", err)
	}
	dem, err := s.Demands.Load(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if err := s.Demands.MarkSynced(ctx, dem.ID); err != nil {
		t.Fatalf("Failed to mark demand synced: %v", err)
	}

	item, err := s.WithItems(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to join one demand: %v", err)
	}
	if !item.FullySynced() {
		t.Error("Demand with all records synced should be fully synced")
	}
	if item.SyncedConferences != 1 || item.UnsyncedConferences != 0 ||
		item.SyncedAnomalies != 1 || item.UnsyncedAnomalies != 0 {
		t.Errorf("Synced breakdown wrong: %+v", item)
	}
}
