// Package sync moves confirmed local state to the remote system.
//
// The Engine executes one run as six ordered phases (catalog, anomalies,
// checklists, blind counts, closing photos, remaining finalizations). Each
// phase re-reads its unsynced list freshly, isolates failures per unit of
// work, and flips a record's synced flag only after the remote system
// confirmed it. The Coordinator schedules runs and guarantees at most one is
// in flight process-wide.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wmsfield/devosync/internal/photo"
	"github.com/wmsfield/devosync/internal/remote"
	"github.com/wmsfield/devosync/internal/store"
)

// Engine pushes unsynced records through the remote API in dependency order.
type Engine struct {
	stores  *store.Stores
	client  remote.Client
	encoder *photo.Encoder
	log     zerolog.Logger
}

// NewEngine creates an Engine over the given stores and remote client.
func NewEngine(stores *store.Stores, client remote.Client, encoder *photo.Encoder, log zerolog.Logger) *Engine {
	if encoder == nil {
		encoder = photo.NewEncoder(0, 0)
	}
	return &Engine{stores: stores, client: client, encoder: encoder, log: log}
}

// RunSummary reports what one sync run accomplished.
type RunSummary struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	ProductsRefreshed bool `json:"productsRefreshed"`
	AnomaliesSynced   int  `json:"anomaliesSynced"`
	AnomaliesSkipped  int  `json:"anomaliesSkipped"`
	ChecklistsSynced  int  `json:"checklistsSynced"`
	DemandsFinalized  int  `json:"demandsFinalized"`
	PhotoSetsSynced   int  `json:"photoSetsSynced"`

	Errors []string `json:"errors,omitempty"`
}

// Failed reports whether any unit of work failed during the run.
func (s *RunSummary) Failed() bool {
	return len(s.Errors) > 0
}

func (s *RunSummary) addError(err error) {
	s.Errors = append(s.Errors, err.Error())
}

// Run executes the six sync phases in order. A failing unit of work never
// blocks other units: the failure is recorded on the summary and the record
// stays unsynced for the next run. The returned error is non-nil only when at
// least one unit failed, so explicit sync callers can surface it while
// background triggers just log it.
func (e *Engine) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{StartedAt: time.Now()}
	e.log.Info().Msg("sync run started")

	e.syncProducts(ctx, summary)
	e.syncAnomalies(ctx, summary)
	e.syncChecklists(ctx, summary)
	e.syncBlindCounts(ctx, summary)
	e.syncFinishPhotos(ctx, summary)
	e.syncRemainingDemands(ctx, summary)

	summary.FinishedAt = time.Now()
	e.log.Info().
		Int("errors", len(summary.Errors)).
		Int("anomalies", summary.AnomaliesSynced).
		Int("checklists", summary.ChecklistsSynced).
		Int("demands_finalized", summary.DemandsFinalized).
		Dur("elapsed", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("sync run finished")

	if summary.Failed() {
		return summary, fmt.Errorf("sync finished with %d failed units", len(summary.Errors))
	}
	return summary, nil
}

// syncProducts refreshes the local catalog wholesale. Independent of demand
// state; a failure leaves the previous catalog in place.
func (e *Engine) syncProducts(ctx context.Context, summary *RunSummary) {
	products, err := e.client.FetchAllProducts(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("products sync failed")
		summary.addError(fmt.Errorf("products: %w", err))
		return
	}

	recs := make([]*store.ProductRecord, 0, len(products))
	for _, p := range products {
		recs = append(recs, &store.ProductRecord{
			SKU:       p.SKU,
			Descricao: p.Descricao,
			Data:      p.Data,
		})
	}
	if err := e.stores.Products.ReplaceAll(ctx, recs); err != nil {
		e.log.Error().Err(err).Msg("failed to replace product catalog")
		summary.addError(fmt.Errorf("products: %w", err))
		return
	}
	summary.ProductsRefreshed = true
	e.log.Debug().Int("count", len(recs)).Msg("product catalog replaced")
}

// syncAnomalies pushes unsynced anomalies. Replicated groups upload their
// shared photo set once and reuse the resulting filenames for every member;
// each member is still submitted and marked synced independently.
func (e *Engine) syncAnomalies(ctx context.Context, summary *RunSummary) {
	anomalies, err := e.stores.Anomalies.Unsynced(ctx)
	if err != nil {
		summary.addError(fmt.Errorf("anomalies: %w", err))
		return
	}
	if len(anomalies) == 0 {
		return
	}

	groups := make(map[string][]*store.AnomalyRecord)
	var groupOrder []string
	var standalone []*store.AnomalyRecord
	for _, a := range anomalies {
		if a.ReplicatedGroupID == "" {
			standalone = append(standalone, a)
			continue
		}
		if _, seen := groups[a.ReplicatedGroupID]; !seen {
			groupOrder = append(groupOrder, a.ReplicatedGroupID)
		}
		groups[a.ReplicatedGroupID] = append(groups[a.ReplicatedGroupID], a)
	}

	for _, groupID := range groupOrder {
		group := groups[groupID]
		photos := sharedGroupPhotos(group)
		if len(photos) == 0 {
			e.log.Warn().Str("group", groupID).Msg("replicated anomaly group has no photos, skipping")
			summary.AnomaliesSkipped += len(group)
			continue
		}

		first := group[0]
		filenames, err := e.uploadPhotoSet(ctx, photos, func(i int) string {
			return fmt.Sprintf("anomalia-replicada-%s-%s-%d.jpg", first.DemandaID, groupID, i+1)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("group", groupID).Msg("replicated anomaly photo upload failed")
			summary.addError(fmt.Errorf("anomaly group %s: %w", groupID, err))
			continue
		}

		for _, a := range group {
			e.submitAnomaly(ctx, a, filenames, summary)
		}
	}

	for _, a := range standalone {
		if len(a.Photos) == 0 {
			e.log.Warn().Str("item_id", a.ItemID).Int64("id", a.ID).
				Msg("anomaly has no photos, skipping")
			summary.AnomaliesSkipped++
			continue
		}
		filenames, err := e.uploadPhotoSet(ctx, a.Photos, func(i int) string {
			return fmt.Sprintf("anomalia-%s-%s-%d.jpg", a.DemandaID, a.SKU, i+1)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("item_id", a.ItemID).Msg("anomaly photo upload failed")
			summary.addError(fmt.Errorf("anomaly %d: %w", a.ID, err))
			continue
		}
		e.submitAnomaly(ctx, a, filenames, summary)
	}
}

// submitAnomaly decomposes the description, posts the report, and marks the
// row synced. A description missing any of the three required parts is a
// malformed record: skipped and left unsynced for manual correction, never
// counted as a failure.
func (e *Engine) submitAnomaly(ctx context.Context, a *store.AnomalyRecord, filenames []string, summary *RunSummary) {
	natureza, tipo, causa, ok := decomposeDescription(a.Description)
	if !ok {
		e.log.Warn().Int64("id", a.ID).Str("item_id", a.ItemID).
			Msg("anomaly description missing required parts, skipping")
		summary.AnomaliesSkipped++
		return
	}

	payload := &remote.AnomalyPayload{
		DemandaID:          a.DemandaID,
		SKU:                a.SKU,
		Natureza:           natureza,
		Tipo:               tipo,
		Causa:              causa,
		Descricao:          a.Description,
		QuantidadeCaixas:   intOrZero(a.QuantityBox),
		QuantidadeUnidades: intOrZero(a.QuantityUnit),
		Lote:               a.Lote,
		Imagens:            filenames,
		IdempotencyKey:     a.IdempotencyKey,
	}
	if err := e.client.SubmitAnomaly(ctx, payload); err != nil {
		e.log.Warn().Err(err).Int64("id", a.ID).Msg("anomaly submission failed")
		summary.addError(fmt.Errorf("anomaly %d: %w", a.ID, err))
		return
	}
	if err := e.stores.Anomalies.MarkSynced(ctx, a.ID); err != nil {
		summary.addError(fmt.Errorf("anomaly %d: %w", a.ID, err))
		return
	}
	summary.AnomaliesSynced++
}

// syncChecklists pushes unsynced checklists. A checklist without any photo is
// skipped without error; an absent photo slot is simply not uploaded.
func (e *Engine) syncChecklists(ctx context.Context, summary *RunSummary) {
	checklists, err := e.stores.Checklists.Unsynced(ctx)
	if err != nil {
		summary.addError(fmt.Errorf("checklists: %w", err))
		return
	}

	for _, cl := range checklists {
		if !cl.HasAnyPhoto() {
			e.log.Debug().Str("demanda_id", cl.DemandaID).Msg("checklist has no photos yet, skipping")
			continue
		}

		abertoName, err := e.uploadChecklistSlot(ctx, cl.FotoBauAberto,
			fmt.Sprintf("checklist-%s-bau-aberto.jpg", cl.DemandaID))
		if err != nil {
			summary.addError(fmt.Errorf("checklist %s: %w", cl.DemandaID, err))
			continue
		}
		fechadoName, err := e.uploadChecklistSlot(ctx, cl.FotoBauFechado,
			fmt.Sprintf("checklist-%s-bau-fechado.jpg", cl.DemandaID))
		if err != nil {
			summary.addError(fmt.Errorf("checklist %s: %w", cl.DemandaID, err))
			continue
		}

		payload := &remote.ChecklistPayload{
			DemandaID:          cl.DemandaID,
			FotoBauAberto:      abertoName,
			FotoBauFechado:     fechadoName,
			TemperaturaBau:     cl.TemperaturaBau,
			TemperaturaProduto: cl.TemperaturaProduto,
			Anomalias:          cl.Anomalias,
			IdempotencyKey:     fmt.Sprintf("checklist-%s-%d", cl.DemandaID, cl.UpdatedAt),
		}
		if err := e.client.SubmitChecklist(ctx, payload); err != nil {
			e.log.Warn().Err(err).Str("demanda_id", cl.DemandaID).Msg("checklist submission failed")
			summary.addError(fmt.Errorf("checklist %s: %w", cl.DemandaID, err))
			continue
		}
		if err := e.stores.Checklists.MarkSynced(ctx, cl.ID); err != nil {
			summary.addError(fmt.Errorf("checklist %s: %w", cl.DemandaID, err))
			continue
		}
		summary.ChecklistsSynced++
	}
}

func (e *Engine) uploadChecklistSlot(ctx context.Context, photoRef, filename string) (string, error) {
	if photoRef == "" {
		return "", nil
	}
	names, err := e.uploadPhotoSet(ctx, []string{photoRef}, func(int) string { return filename })
	if err != nil {
		return "", err
	}
	return names[0], nil
}

// syncBlindCounts handles demands the user finalized: one blind-count batch
// call covering every conference row of the demand, then the finalize call.
// The demand itself is marked synced only after a fresh re-query shows no
// unsynced children, since local writes can land between remote calls.
func (e *Engine) syncBlindCounts(ctx context.Context, summary *RunSummary) {
	demands, err := e.stores.Demands.Unsynced(ctx)
	if err != nil {
		summary.addError(fmt.Errorf("blind counts: %w", err))
		return
	}

	for _, d := range demands {
		if !d.Finalizada {
			continue
		}
		unsyncedConfs, err := e.stores.Conferences.UnsyncedByDemand(ctx, d.DemandaID)
		if err != nil {
			summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
			continue
		}
		if len(unsyncedConfs) == 0 {
			// No pending conferences; phase 6 finalizes directly.
			continue
		}

		allConfs, err := e.stores.Conferences.ByDemand(ctx, d.DemandaID)
		if err != nil {
			summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
			continue
		}

		lines := make([]remote.BlindCountLine, 0, len(allConfs))
		var lastUpdated int64
		for _, c := range allConfs {
			lines = append(lines, remote.BlindCountLine{
				SKU:                c.SKU,
				Descricao:          c.Description,
				QuantidadeCaixas:   c.BoxQuantity,
				QuantidadeUnidades: c.CheckedQuantity,
				Lote:               c.Lote,
			})
			if c.UpdatedAt > lastUpdated {
				lastUpdated = c.UpdatedAt
			}
		}

		key := fmt.Sprintf("contagem-%s-%d", d.DemandaID, lastUpdated)
		if err := e.client.SubmitBlindCount(ctx, d.DemandaID, lines, key); err != nil {
			e.log.Warn().Err(err).Str("demanda_id", d.DemandaID).Msg("blind count submission failed")
			summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
			continue
		}
		if err := e.stores.Conferences.MarkSyncedByDemand(ctx, d.DemandaID); err != nil {
			summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
			continue
		}

		if err := e.client.FinalizeDemand(ctx, d.DemandaID); err != nil {
			e.log.Warn().Err(err).Str("demanda_id", d.DemandaID).Msg("finalize call failed")
			summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
			continue
		}
		e.markDemandIfSettled(ctx, d, summary)
	}
}

// syncFinishPhotos uploads each unsynced closing-photo set and posts the
// resulting filenames.
func (e *Engine) syncFinishPhotos(ctx context.Context, summary *RunSummary) {
	records, err := e.stores.FinishPhotos.Unsynced(ctx)
	if err != nil {
		summary.addError(fmt.Errorf("finish photos: %w", err))
		return
	}

	for _, rec := range records {
		if len(rec.Photos) == 0 {
			continue
		}
		filenames, err := e.uploadPhotoSet(ctx, rec.Photos, func(i int) string {
			return fmt.Sprintf("fim-devolucao-%s-%d-%d.jpg", rec.DemandaID, rec.ID, i+1)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("demanda_id", rec.DemandaID).Msg("closing photo upload failed")
			summary.addError(fmt.Errorf("finish photos %d: %w", rec.ID, err))
			continue
		}

		key := fmt.Sprintf("fim-%s-%d-%d", rec.DemandaID, rec.ID, rec.UpdatedAt)
		if err := e.client.SubmitClosingImages(ctx, rec.DemandaID, filenames, key); err != nil {
			e.log.Warn().Err(err).Str("demanda_id", rec.DemandaID).Msg("closing images submission failed")
			summary.addError(fmt.Errorf("finish photos %d: %w", rec.ID, err))
			continue
		}
		if err := e.stores.FinishPhotos.MarkSynced(ctx, rec.ID); err != nil {
			summary.addError(fmt.Errorf("finish photos %d: %w", rec.ID, err))
			continue
		}
		summary.PhotoSetsSynced++
	}
}

// syncRemainingDemands finalizes demands the user finished that did not go
// through the blind-count phase, e.g. demands with no conference rows. A
// demand whose conferences are still unsynced (its blind count failed this
// run) is not finalized; the next run retries the count first.
func (e *Engine) syncRemainingDemands(ctx context.Context, summary *RunSummary) {
	demands, err := e.stores.Demands.Unsynced(ctx)
	if err != nil {
		summary.addError(fmt.Errorf("remaining demands: %w", err))
		return
	}

	for _, d := range demands {
		if !d.Finalizada {
			continue
		}
		confs, err := e.stores.Conferences.UnsyncedByDemand(ctx, d.DemandaID)
		if err != nil {
			summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
			continue
		}
		if len(confs) > 0 {
			continue
		}
		if err := e.client.FinalizeDemand(ctx, d.DemandaID); err != nil {
			e.log.Warn().Err(err).Str("demanda_id", d.DemandaID).Msg("finalize call failed")
			summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
			continue
		}
		e.markDemandIfSettled(ctx, d, summary)
	}
}

// markDemandIfSettled marks the demand synced only if a fresh re-query shows
// no unsynced children. Children left behind (or written while remote calls
// were in flight) keep the demand unsynced and a later run finishes the job.
func (e *Engine) markDemandIfSettled(ctx context.Context, d *store.DemandRecord, summary *RunSummary) {
	confs, err := e.stores.Conferences.UnsyncedByDemand(ctx, d.DemandaID)
	if err != nil {
		summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
		return
	}
	anoms, err := e.stores.Anomalies.UnsyncedByDemand(ctx, d.DemandaID)
	if err != nil {
		summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
		return
	}
	cl, err := e.stores.Checklists.ByDemand(ctx, d.DemandaID)
	if err != nil {
		summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
		return
	}
	// A photo-less checklist is never uploaded, so only a checklist the
	// engine would actually submit holds the demand back.
	checklistPending := cl != nil && !cl.Synced && cl.HasAnyPhoto()
	if len(confs) > 0 || len(anoms) > 0 || checklistPending {
		e.log.Debug().Str("demanda_id", d.DemandaID).
			Int("conferences", len(confs)).Int("anomalies", len(anoms)).
			Bool("checklist", checklistPending).
			Msg("demand still has unsynced children, leaving unsynced")
		return
	}

	// The flag may have been cleared by a local write after the finalize
	// call; re-load instead of trusting the snapshot.
	fresh, err := e.stores.Demands.Load(ctx, d.DemandaID)
	if err != nil || fresh == nil {
		if err != nil {
			summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
		}
		return
	}
	if !fresh.Finalizada {
		e.log.Debug().Str("demanda_id", d.DemandaID).
			Msg("demand was reopened locally during sync, leaving unsynced")
		return
	}
	if err := e.stores.Demands.MarkSynced(ctx, fresh.ID); err != nil {
		summary.addError(fmt.Errorf("demand %s: %w", d.DemandaID, err))
		return
	}
	summary.DemandsFinalized++
}

// uploadPhotoSet encodes and uploads one photo set concurrently, returning
// the uploaded filenames in photo order. Any failure fails the whole set so
// the caller retries it as a unit.
func (e *Engine) uploadPhotoSet(ctx context.Context, photos []string, name func(i int) string) ([]string, error) {
	filenames := make([]string, len(photos))
	g, gctx := errgroup.WithContext(ctx)

	for i, ref := range photos {
		g.Go(func() error {
			file, err := e.encoder.Encode(ref, name(i))
			if err != nil {
				return err
			}
			uploadURL, err := e.client.RequestUploadURL(gctx, file.Name)
			if err != nil {
				return err
			}
			if err := e.client.UploadBytes(gctx, uploadURL, file.ContentType, file.Bytes); err != nil {
				return err
			}
			filenames[i] = file.Name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filenames, nil
}

// sharedGroupPhotos returns the photo set of the first group member that has
// one; replicated members share it.
func sharedGroupPhotos(group []*store.AnomalyRecord) []string {
	for _, a := range group {
		if len(a.Photos) > 0 {
			return a.Photos
		}
	}
	return nil
}

// decomposeDescription splits a structured anomaly description into its
// nature, type and cause parts. All three must be present for the record to
// be submittable.
func decomposeDescription(desc string) (natureza, tipo, causa string, ok bool) {
	parts := strings.Split(desc, " | ")
	if len(parts) < 3 {
		return "", "", "", false
	}
	natureza, tipo, causa = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
	if natureza == "" || tipo == "" || causa == "" {
		return "", "", "", false
	}
	return natureza, tipo, causa, true
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
