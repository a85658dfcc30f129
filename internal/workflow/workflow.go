// Package workflow implements the local mutations of the return process:
// demand validation, manifest hydration, item conference, anomaly
// registration, checklist and closing photos, and finalization.
//
// Every operation writes through the record stores (which clear synced flags
// and fire the cross-record invariant); only Finalize talks to the sync
// coordinator, because the finalize action awaits a full sync run before the
// operator moves on.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wmsfield/devosync/internal/remote"
	"github.com/wmsfield/devosync/internal/store"
	"github.com/wmsfield/devosync/internal/sync"
)

var (
	// ErrDemandNotFound is returned when an operation targets a demand with
	// no local record.
	ErrDemandNotFound = errors.New("demand not found")
	// ErrConferenceNotFound is returned when an operation targets a missing
	// conference item.
	ErrConferenceNotFound = errors.New("conference item not found")
	// ErrMissingAnomalyParts is returned when an anomaly registration lacks
	// nature, type or cause. Records missing these can never sync.
	ErrMissingAnomalyParts = errors.New("anomaly requires nature, type and cause")
)

// Syncer is the slice of the coordinator Finalize depends on.
type Syncer interface {
	SyncNow(ctx context.Context) (*sync.RunSummary, error)
}

// Service exposes the return-process operations.
type Service struct {
	stores *store.Stores
	client remote.Client
	syncer Syncer
	log    zerolog.Logger
}

// NewService creates a workflow Service. syncer may be nil when finalization
// should only mark locally (one-shot CLI use).
func NewService(stores *store.Stores, client remote.Client, syncer Syncer, log zerolog.Logger) *Service {
	return &Service{stores: stores, client: client, syncer: syncer, log: log}
}

// ItemID derives the conference item id for a manifest line.
func ItemID(demandaID, sku string) string {
	return store.CanonicalID(demandaID) + "-" + sku
}

// ValidateInput is the data captured at the validation step.
type ValidateInput struct {
	Doca             string
	Placa            string
	Senha            string
	PaletesRecebidos int
}

// Validate records the dock/plate/password entry for a demand, merging into
// the demand's data map so re-validation updates rather than duplicates.
func (s *Service) Validate(ctx context.Context, demandaID string, input ValidateInput) error {
	_, err := s.stores.Demands.Save(ctx, &store.DemandRecord{
		DemandaID: demandaID,
		Doca:      input.Doca,
		Placa:     input.Placa,
		Senha:     input.Senha,
		Data: map[string]any{
			"doca":             input.Doca,
			"placa":            input.Placa,
			"paletesRecebidos": input.PaletesRecebidos,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to validate demand %s: %w", demandaID, err)
	}
	return nil
}

// RefreshOpenDemands pulls the open demand list for a distribution center and
// pre-registers demands not yet known locally. Existing local records are left
// untouched so a refresh never clears sync state the engine already earned.
func (s *Service) RefreshOpenDemands(ctx context.Context, centerID string) (int, error) {
	open, err := s.client.ListOpenDemands(ctx, centerID)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh open demands: %w", err)
	}

	added := 0
	for _, d := range open {
		id := store.CanonicalID(d.DemandaID)
		if id == "" {
			continue
		}
		existing, err := s.stores.Demands.Load(ctx, id)
		if err != nil {
			return added, err
		}
		if existing != nil {
			continue
		}
		if _, err := s.stores.Demands.Save(ctx, &store.DemandRecord{
			DemandaID: id,
			Placa:     d.Placa,
			Motorista: d.Motorista,
			Doca:      d.Doca,
			Status:    d.Status,
			Senha:     d.Senha,
			Data:      d.Data,
		}); err != nil {
			return added, err
		}
		added++
	}
	s.log.Info().Str("center_id", centerID).Int("known", len(open)).Int("added", added).
		Msg("open demands refreshed")
	return added, nil
}

// HydrateItems fetches the manifest lines expected for a demand and inserts a
// conference row for each line not yet present, atomically. Rows the operator
// already touched are never overwritten; re-running is safe.
func (s *Service) HydrateItems(ctx context.Context, demandaID string) (int, error) {
	items, err := s.client.FetchExpectedItems(ctx, demandaID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch expected items for demand %s: %w", demandaID, err)
	}

	recs := make([]*store.ConferenceRecord, 0, len(items))
	for _, item := range items {
		recs = append(recs, &store.ConferenceRecord{
			ItemID:              ItemID(demandaID, item.SKU),
			SKU:                 item.SKU,
			Description:         item.Descricao,
			ExpectedQuantity:    item.QuantidadeUnidades,
			ExpectedBoxQuantity: item.QuantidadeCaixas,
			Lote:                item.Lote,
		})
	}
	inserted, err := s.stores.Conferences.InsertMissing(ctx, demandaID, recs)
	if err != nil {
		return 0, fmt.Errorf("failed to hydrate items for demand %s: %w", demandaID, err)
	}
	return inserted, nil
}

// ExtraItemInput describes an item found on the truck that was not on the
// manifest.
type ExtraItemInput struct {
	SKU         string
	Description string
	Lote        string
	Quantity    int
	BoxQuantity *int
}

// AddExtraItem records an off-manifest item as a checked conference row with
// zero expected quantities. When no description is given, the cached product
// catalog fills it in, falling back to the SKU itself.
func (s *Service) AddExtraItem(ctx context.Context, demandaID string, input ExtraItemInput) (string, error) {
	sku := strings.TrimSpace(input.SKU)
	if sku == "" {
		return "", fmt.Errorf("extra item sku is required")
	}

	description := strings.TrimSpace(input.Description)
	if description == "" {
		if p, err := s.stores.Products.BySKU(ctx, sku); err == nil && p != nil {
			description = p.Descricao
		}
	}
	if description == "" {
		description = sku
	}

	itemID := fmt.Sprintf("extra-%s-%s-%d", store.CanonicalID(demandaID), sku, time.Now().UnixMilli())
	_, err := s.stores.Conferences.Save(ctx, &store.ConferenceRecord{
		ItemID:          itemID,
		DemandaID:       demandaID,
		SKU:             sku,
		Description:     description,
		Lote:            input.Lote,
		CheckedQuantity: input.Quantity,
		BoxQuantity:     input.BoxQuantity,
		IsChecked:       true,
		IsExtra:         true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add extra item %s: %w", sku, err)
	}
	return itemID, nil
}

// ConferenceInput is the operator's count for one item.
type ConferenceInput struct {
	CheckedQuantity int
	BoxQuantity     *int
	Lote            string
}

// RecordConference stores the count for an existing conference item and marks
// it checked. The parent demand's finalization is invalidated by the store.
func (s *Service) RecordConference(ctx context.Context, itemID string, input ConferenceInput) error {
	rec, err := s.stores.Conferences.ByItem(ctx, itemID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("item %s: %w", itemID, ErrConferenceNotFound)
	}

	rec.CheckedQuantity = input.CheckedQuantity
	rec.BoxQuantity = input.BoxQuantity
	if input.Lote != "" {
		rec.Lote = input.Lote
	}
	rec.IsChecked = true

	if _, err := s.stores.Conferences.Save(ctx, rec); err != nil {
		return fmt.Errorf("failed to record conference for item %s: %w", itemID, err)
	}
	return nil
}

// AnomalyInput describes one defect report.
type AnomalyInput struct {
	Natureza   string
	Tipo       string
	Causa      string
	Observacao string

	QuantityBox  *int
	QuantityUnit *int
	Photos       []string

	// ReplicateToAllItems spreads the report across every checked item of
	// the demand. All resulting records share one replicated group id and
	// the photo set is uploaded once for the whole group.
	ReplicateToAllItems bool
}

// RegisterAnomaly records a defect against a conference item. The description
// is assembled in the structured form the sync engine later decomposes, so a
// record that passes this validation can always be submitted.
func (s *Service) RegisterAnomaly(ctx context.Context, itemID string, input AnomalyInput) (int, error) {
	if strings.TrimSpace(input.Natureza) == "" ||
		strings.TrimSpace(input.Tipo) == "" ||
		strings.TrimSpace(input.Causa) == "" {
		return 0, ErrMissingAnomalyParts
	}

	parent, err := s.stores.Conferences.ByItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if parent == nil {
		return 0, fmt.Errorf("item %s: %w", itemID, ErrConferenceNotFound)
	}

	description := buildDescription(input)
	quantity := 0
	if input.QuantityUnit != nil {
		quantity = *input.QuantityUnit
	}

	targets := []*store.ConferenceRecord{parent}
	groupID := ""
	if input.ReplicateToAllItems {
		all, err := s.stores.Conferences.ByDemand(ctx, parent.DemandaID)
		if err != nil {
			return 0, err
		}
		targets = targets[:0]
		for _, c := range all {
			if c.IsChecked {
				targets = append(targets, c)
			}
		}
		if len(targets) == 0 {
			targets = []*store.ConferenceRecord{parent}
		}
		if len(targets) > 1 {
			groupID = uuid.NewString()
		}
	}

	created := 0
	for _, target := range targets {
		rec := &store.AnomalyRecord{
			ItemID:            target.ItemID,
			DemandaID:         target.DemandaID,
			SKU:               target.SKU,
			Lote:              target.Lote,
			Quantity:          quantity,
			QuantityBox:       input.QuantityBox,
			QuantityUnit:      input.QuantityUnit,
			Description:       description,
			ReplicatedGroupID: groupID,
		}
		// The shared photo set lives on the originating item's record.
		if target.ItemID == parent.ItemID || groupID == "" {
			rec.Photos = input.Photos
		}
		if _, err := s.stores.Anomalies.Save(ctx, rec); err != nil {
			return created, fmt.Errorf("failed to register anomaly for item %s: %w", target.ItemID, err)
		}
		created++
	}

	s.log.Info().Str("item_id", itemID).Int("records", created).
		Bool("replicated", groupID != "").Msg("anomaly registered")
	return created, nil
}

// ChecklistInput is the pre-conference inspection entry.
type ChecklistInput struct {
	FotoBauAberto      string
	FotoBauFechado     string
	TemperaturaBau     string
	TemperaturaProduto string
	Anomalias          string
}

// SaveChecklist stores the inspection checklist for a demand, overwriting any
// previous entry.
func (s *Service) SaveChecklist(ctx context.Context, demandaID string, input ChecklistInput) error {
	_, err := s.stores.Checklists.Save(ctx, &store.ChecklistRecord{
		DemandaID:          demandaID,
		FotoBauAberto:      input.FotoBauAberto,
		FotoBauFechado:     input.FotoBauFechado,
		TemperaturaBau:     input.TemperaturaBau,
		TemperaturaProduto: input.TemperaturaProduto,
		Anomalias:          input.Anomalias,
	})
	if err != nil {
		return fmt.Errorf("failed to save checklist for demand %s: %w", demandaID, err)
	}
	return nil
}

// SaveFinishPhotos stores the ordered closing-photo set for a demand,
// replacing the pending set. An empty list clears it.
func (s *Service) SaveFinishPhotos(ctx context.Context, demandaID string, photos []string) error {
	if _, err := s.stores.FinishPhotos.Save(ctx, demandaID, photos); err != nil {
		return fmt.Errorf("failed to save finish photos for demand %s: %w", demandaID, err)
	}
	return nil
}

// Finalize marks a demand finished and awaits a full sync run so the operator
// gets immediate confirmation. The local mark always survives: a sync failure
// propagates to the caller but the demand stays finalized and the next
// scheduled run retries.
func (s *Service) Finalize(ctx context.Context, demandaID string) (*sync.RunSummary, error) {
	rec, err := s.stores.Demands.Load(ctx, demandaID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("demand %s: %w", demandaID, ErrDemandNotFound)
	}

	if err := s.stores.Demands.MarkFinalized(ctx, demandaID); err != nil {
		return nil, err
	}
	if s.syncer == nil {
		return nil, nil
	}

	summary, err := s.syncer.SyncNow(ctx)
	if err != nil {
		return summary, fmt.Errorf("demand %s finalized locally, sync failed: %w", demandaID, err)
	}
	return summary, nil
}

// buildDescription assembles the structured description the engine
// decomposes at sync time.
func buildDescription(input AnomalyInput) string {
	parts := []string{
		"Natureza: " + strings.TrimSpace(input.Natureza),
		"Tipo: " + strings.TrimSpace(input.Tipo),
		"Causa: " + strings.TrimSpace(input.Causa),
	}
	if obs := strings.TrimSpace(input.Observacao); obs != "" {
		parts = append(parts, "Observação: "+obs)
	}
	return strings.Join(parts, " | ")
}
