package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wmsfield/devosync/internal/remote"
	"github.com/wmsfield/devosync/internal/store"
	"github.com/wmsfield/devosync/internal/sync"
)

// stubClient serves canned list/manifest responses; submission endpoints are
// never reached from workflow code.
type stubClient struct {
	remote.Client

	openDemands   []*remote.OpenDemand
	expectedItems map[string][]*remote.ExpectedItem
}

func (c *stubClient) ListOpenDemands(ctx context.Context, centerID string) ([]*remote.OpenDemand, error) {
	return c.openDemands, nil
}

func (c *stubClient) FetchExpectedItems(ctx context.Context, demandaID string) ([]*remote.ExpectedItem, error) {
	return c.expectedItems[demandaID], nil
}

type stubSyncer struct {
	calls int
	err   error
}

func (s *stubSyncer) SyncNow(ctx context.Context) (*sync.RunSummary, error) {
	s.calls++
	return &sync.RunSummary{}, s.err
}

func newTestService(t *testing.T) (*Service, *store.Stores, *stubClient, *stubSyncer) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	stores := store.NewStores(db, store.NewBus(), zerolog.Nop())
	client := &stubClient{expectedItems: make(map[string][]*remote.ExpectedItem)}
	syncer := &stubSyncer{}
	return NewService(stores, client, syncer, zerolog.Nop()), stores, client, syncer
}

func TestValidateMergesIntoData(t *testing.T) {
	svc, stores, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Validate(ctx, "123", ValidateInput{Doca: "D5", Placa: "ABC1234", PaletesRecebidos: 3}); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if err := svc.Validate(ctx, "123", ValidateInput{Doca: "D7", Placa: "ABC1234"}); err != nil {
		t.Fatalf("Re-validate failed: %v", err)
	}

	rec, err := stores.Demands.Load(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if rec == nil {
		t.Fatal("Demand not registered by validation")
	}
	if rec.Data["doca"] != "D7" {
		t.Errorf("doca = %v, want D7", rec.Data["doca"])
	}
	all, err := stores.Demands.All(ctx)
	if err != nil {
		t.Fatalf("Failed to list demands: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("Re-validation should not duplicate the demand, got %d rows", len(all))
	}
}

func TestRefreshOpenDemandsPreservesLocalState(t *testing.T) {
	svc, stores, client, _ := newTestService(t)
	ctx := context.Background()

	// Demand 100 exists locally and is already synced.
	id, err := stores.Demands.Save(ctx, &store.DemandRecord{DemandaID: "100"})
	if err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	if err := stores.Demands.MarkSynced(ctx, id); err != nil {
		t.Fatalf("Failed to mark demand synced: %v", err)
	}

	client.openDemands = []*remote.OpenDemand{
		{DemandaID: float64(100), Placa: "XYZ9876"},
		{DemandaID: "200", Placa: "DEF5678", Motorista: "João"},
	}

	added, err := svc.RefreshOpenDemands(ctx, "cd-01")
	if err != nil {
		t.Fatalf("RefreshOpenDemands failed: %v", err)
	}
	if added != 1 {
		t.Errorf("Added = %d, want 1", added)
	}

	// The known demand keeps its sync state.
	d100, err := stores.Demands.Load(ctx, "100")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if !d100.Synced {
		t.Error("Refresh must not clear sync state of known demands")
	}

	d200, err := stores.Demands.Load(ctx, "200")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if d200 == nil || d200.Motorista != "João" {
		t.Errorf("New demand not pre-registered: %+v", d200)
	}
}

func TestHydrateItems(t *testing.T) {
	svc, stores, client, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Validate(ctx, "123", ValidateInput{Doca: "D1"}); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	boxes := 2
	client.expectedItems["123"] = []*remote.ExpectedItem{
		{SKU: "A", Descricao: "Caixa 12un", QuantidadeUnidades: 10, QuantidadeCaixas: &boxes},
		{SKU: "B", Descricao: "Garrafa 2L", QuantidadeUnidades: 5},
	}

	n, err := svc.HydrateItems(ctx, "123")
	if err != nil {
		t.Fatalf("HydrateItems failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Hydrated %d items, want 2", n)
	}

	rec, err := stores.Conferences.ByItem(ctx, "123-A")
	if err != nil {
		t.Fatalf("Failed to load conference: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected conference row 123-A")
	}
	if rec.ExpectedQuantity != 10 || rec.ExpectedBoxQuantity == nil || *rec.ExpectedBoxQuantity != 2 {
		t.Errorf("Expected quantities not carried over: %+v", rec)
	}
	if rec.IsChecked {
		t.Error("Hydrated items start unchecked")
	}

	// Re-hydration inserts nothing.
	n, err = svc.HydrateItems(ctx, "123")
	if err != nil {
		t.Fatalf("Re-hydration failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Re-hydration inserted %d rows, want 0", n)
	}
}

func TestAddExtraItemUsesCatalogDescription(t *testing.T) {
	svc, stores, _, _ := newTestService(t)
	ctx := context.Background()

	if err := stores.Products.ReplaceAll(ctx, []*store.ProductRecord{
		{SKU: "SKU9", Descricao: "Lata 350ml"},
	}); err != nil {
		t.Fatalf("Failed to seed catalog: %v", err)
	}

	itemID, err := svc.AddExtraItem(ctx, "123", ExtraItemInput{SKU: "SKU9", Quantity: 4})
	if err != nil {
		t.Fatalf("AddExtraItem failed: %v", err)
	}

	rec, err := stores.Conferences.ByItem(ctx, itemID)
	if err != nil {
		t.Fatalf("Failed to load conference: %v", err)
	}
	if rec.Description != "Lata 350ml" {
		t.Errorf("Description = %q, want catalog description", rec.Description)
	}
	if !rec.IsExtra || !rec.IsChecked {
		t.Error("Extra items are checked on creation")
	}
	if rec.ExpectedQuantity != 0 {
		t.Errorf("Extra items have no expectation, got %d", rec.ExpectedQuantity)
	}
	if rec.CheckedQuantity != 4 {
		t.Errorf("CheckedQuantity = %d, want 4", rec.CheckedQuantity)
	}
}

func TestRecordConference(t *testing.T) {
	svc, stores, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := stores.Demands.Save(ctx, &store.DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	if _, err := stores.Conferences.Save(ctx, &store.ConferenceRecord{
		ItemID: "123-A", DemandaID: "123", SKU: "A", ExpectedQuantity: 10,
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}
	if err := stores.Demands.MarkFinalized(ctx, "123"); err != nil {
		t.Fatalf("Failed to finalize demand: %v", err)
	}

	boxes := 1
	if err := svc.RecordConference(ctx, "123-A", ConferenceInput{
		CheckedQuantity: 8, BoxQuantity: &boxes, Lote: "L42",
	}); err != nil {
		t.Fatalf("RecordConference failed: %v", err)
	}

	rec, err := stores.Conferences.ByItem(ctx, "123-A")
	if err != nil {
		t.Fatalf("Failed to load conference: %v", err)
	}
	if !rec.IsChecked || rec.CheckedQuantity != 8 || rec.Lote != "L42" {
		t.Errorf("Conference not recorded: %+v", rec)
	}
	if !rec.HasDivergence() {
		t.Error("8 counted against 10 expected should diverge")
	}

	// The count after finalization must reopen the demand.
	demand, err := stores.Demands.Load(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if demand.Finalizada {
		t.Error("Conference after finalization must clear finalizada")
	}

	if err := svc.RecordConference(ctx, "missing", ConferenceInput{}); !errors.Is(err, ErrConferenceNotFound) {
		t.Errorf("Expected ErrConferenceNotFound, got %v", err)
	}
}

func TestRegisterAnomalyReplicated(t *testing.T) {
	svc, stores, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := stores.Demands.Save(ctx, &store.DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	for _, sku := range []string{"A", "B", "C"} {
		checked := sku != "C" // C stays unchecked and must not receive a replica
		if _, err := stores.Conferences.Save(ctx, &store.ConferenceRecord{
			ItemID: "123-" + sku, DemandaID: "123", SKU: sku,
			Lote: "L-" + sku, IsChecked: checked,
		}); err != nil {
			t.Fatalf("Failed to save conference: %v", err)
		}
	}

	created, err := svc.RegisterAnomaly(ctx, "123-A", AnomalyInput{
		Natureza:            "Avaria",
		Tipo:                "Caixa amassada",
		Causa:               "Transporte",
		Observacao:          "fundo do baú",
		QuantityUnit:        intPtr(3),
		Photos:              []string{"foto-base64"},
		ReplicateToAllItems: true,
	})
	if err != nil {
		t.Fatalf("RegisterAnomaly failed: %v", err)
	}
	if created != 2 {
		t.Fatalf("Created %d records, want 2 (checked items only)", created)
	}

	anomalies, err := stores.Anomalies.ByDemand(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load anomalies: %v", err)
	}
	groupID := anomalies[0].ReplicatedGroupID
	if groupID == "" {
		t.Fatal("Replicated records must share a group id")
	}
	withPhotos := 0
	for _, a := range anomalies {
		if a.ReplicatedGroupID != groupID {
			t.Errorf("Group id differs across members: %q vs %q", a.ReplicatedGroupID, groupID)
		}
		if a.Lote != "L-"+a.SKU {
			t.Errorf("Lot must be copied from each member's conference, got %q for %s", a.Lote, a.SKU)
		}
		if len(a.Photos) > 0 {
			withPhotos++
		}
	}
	if withPhotos != 1 {
		t.Errorf("Shared photo set should live on one member, found on %d", withPhotos)
	}
}

func TestRegisterAnomalySingle(t *testing.T) {
	svc, stores, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := stores.Conferences.Save(ctx, &store.ConferenceRecord{
		ItemID: "123-A", DemandaID: "123", SKU: "A", Lote: "L7",
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}

	created, err := svc.RegisterAnomaly(ctx, "123-A", AnomalyInput{
		Natureza: "Falta", Tipo: "Unidade", Causa: "Separação",
		QuantityBox: intPtr(1),
	})
	if err != nil {
		t.Fatalf("RegisterAnomaly failed: %v", err)
	}
	if created != 1 {
		t.Fatalf("Created %d records, want 1", created)
	}

	anomalies, err := stores.Anomalies.ByItem(ctx, "123-A")
	if err != nil {
		t.Fatalf("Failed to load anomalies: %v", err)
	}
	a := anomalies[0]
	if a.Lote != "L7" {
		t.Errorf("Lot not copied from conference: %q", a.Lote)
	}
	if a.ReplicatedGroupID != "" {
		t.Errorf("Standalone anomaly should have no group id, got %q", a.ReplicatedGroupID)
	}
	if a.Description != "Natureza: Falta | Tipo: Unidade | Causa: Separação" {
		t.Errorf("Unexpected description %q", a.Description)
	}
}

func TestRegisterAnomalyRequiresParts(t *testing.T) {
	svc, stores, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := stores.Conferences.Save(ctx, &store.ConferenceRecord{
		ItemID: "123-A", DemandaID: "123", SKU: "A",
	}); err != nil {
		t.Fatalf("Failed to save conference: %v", err)
	}

	_, err := svc.RegisterAnomaly(ctx, "123-A", AnomalyInput{Natureza: "Avaria"})
	if !errors.Is(err, ErrMissingAnomalyParts) {
		t.Errorf("Expected ErrMissingAnomalyParts, got %v", err)
	}
}

func TestFinalizeAwaitsSync(t *testing.T) {
	svc, stores, _, syncer := newTestService(t)
	ctx := context.Background()

	if _, err := stores.Demands.Save(ctx, &store.DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}

	if _, err := svc.Finalize(ctx, "123"); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if syncer.calls != 1 {
		t.Errorf("Finalize should await one sync run, got %d", syncer.calls)
	}

	rec, err := stores.Demands.Load(ctx, "123")
	if err != nil {
		t.Fatalf("Failed to load demand: %v", err)
	}
	if !rec.Finalizada {
		t.Error("Demand should be marked finalizada")
	}
}

func TestFinalizeSurvivesSyncFailure(t *testing.T) {
	svc, stores, _, syncer := newTestService(t)
	ctx := context.Background()

	if _, err := stores.Demands.Save(ctx, &store.DemandRecord{DemandaID: "123"}); err != nil {
		t.Fatalf("Failed to save demand: %v", err)
	}
	syncer.err = errors.New("remote down")

	_, err := svc.Finalize(ctx, "123")
	if err == nil {
		t.Fatal("Finalize should propagate the sync error")
	}

	// Local finalization survives for the next scheduled retry.
	rec, loadErr := stores.Demands.Load(ctx, "123")
	if loadErr != nil {
		t.Fatalf("Failed to load demand: %v", loadErr)
	}
	if !rec.Finalizada {
		t.Error("Demand must stay finalized locally despite sync failure")
	}
}

func TestFinalizeUnknownDemand(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	if _, err := svc.Finalize(context.Background(), "999"); !errors.Is(err, ErrDemandNotFound) {
		t.Errorf("Expected ErrDemandNotFound, got %v", err)
	}
}

func intPtr(v int) *int { return &v }
