// Package remote is the client for the warehouse return API.
//
// The sync engine treats the remote system as black-box RPC: the Client
// interface is the full surface it consumes, and HTTPClient is the transport
// behind it. Every submission payload carries an idempotency key so a retry
// after a lost response is a duplicate-accept, not a second record.
package remote

import "context"

// Product is one remote catalog entry.
type Product struct {
	SKU       string         `json:"sku"`
	Descricao string         `json:"descricao"`
	Data      map[string]any `json:"-"`
}

// AnomalyPayload is the submission body for one anomaly report. Field names
// follow the remote contract.
type AnomalyPayload struct {
	DemandaID          string   `json:"demandaId"`
	SKU                string   `json:"sku"`
	Natureza           string   `json:"natureza"`
	Tipo               string   `json:"tipo"`
	Causa              string   `json:"causa"`
	Descricao          string   `json:"descricao"`
	QuantidadeCaixas   int      `json:"quantidadeCaixas"`
	QuantidadeUnidades int      `json:"quantidadeUnidades"`
	Lote               string   `json:"lote"`
	Imagens            []string `json:"imagens"`
	Tratado            bool     `json:"tratado"`
	IdempotencyKey     string   `json:"idempotencyKey"`
}

// ChecklistPayload is the submission body for a demand checklist.
type ChecklistPayload struct {
	DemandaID          string `json:"demandaId"`
	FotoBauAberto      string `json:"fotoBauAberto"`
	FotoBauFechado     string `json:"fotoBauFechado"`
	TemperaturaBau     string `json:"temperaturaBau"`
	TemperaturaProduto string `json:"temperaturaProduto"`
	Anomalias          string `json:"anomalias"`
	IdempotencyKey     string `json:"idempotencyKey"`
}

// BlindCountLine is one conference row inside a blind-count batch.
type BlindCountLine struct {
	SKU                string `json:"sku"`
	Descricao          string `json:"descricao"`
	QuantidadeCaixas   *int   `json:"quantidadeCaixas"`
	QuantidadeUnidades int    `json:"quantidadeUnidades"`
	Lote               string `json:"lote"`
}

// OpenDemand is one demand as listed by the remote system for a distribution
// center. DemandaID is typed any because the remote sends it numerically
// while routes carry it as a string; callers canonicalize it.
type OpenDemand struct {
	DemandaID any            `json:"demandaId"`
	Placa     string         `json:"placa"`
	Motorista string         `json:"motorista"`
	Doca      string         `json:"doca"`
	Status    string         `json:"status"`
	Senha     string         `json:"senha"`
	Data      map[string]any `json:"-"`
}

// ExpectedItem is one manifest line the remote system expects a demand to
// return.
type ExpectedItem struct {
	SKU                string `json:"sku"`
	Descricao          string `json:"descricao"`
	QuantidadeUnidades int    `json:"quantidadeUnidades"`
	QuantidadeCaixas   *int   `json:"quantidadeCaixas"`
	Lote               string `json:"lote"`
}

// Client is the remote surface the sync engine and workflows consume.
// Implementations own transport, timeouts and authentication; callers own
// retry policy.
type Client interface {
	// FetchAllProducts returns the full remote product catalog.
	FetchAllProducts(ctx context.Context) ([]*Product, error)

	// RequestUploadURL asks for a presigned upload URL for one file.
	RequestUploadURL(ctx context.Context, filename string) (string, error)

	// UploadBytes puts a file's bytes to a presigned URL.
	UploadBytes(ctx context.Context, url string, contentType string, data []byte) error

	// SubmitAnomaly posts one anomaly report for a demand.
	SubmitAnomaly(ctx context.Context, payload *AnomalyPayload) error

	// SubmitChecklist posts the checklist for a demand.
	SubmitChecklist(ctx context.Context, payload *ChecklistPayload) error

	// SubmitBlindCount posts a demand's full conference batch in one call.
	SubmitBlindCount(ctx context.Context, demandaID string, lines []BlindCountLine, idempotencyKey string) error

	// FinalizeDemand marks a demand finished on the remote system.
	FinalizeDemand(ctx context.Context, demandaID string) error

	// SubmitClosingImages posts the uploaded closing-photo filenames.
	SubmitClosingImages(ctx context.Context, demandaID string, filenames []string, idempotencyKey string) error

	// ListOpenDemands returns the open demands for a distribution center.
	ListOpenDemands(ctx context.Context, centerID string) ([]*OpenDemand, error)

	// FetchExpectedItems returns the manifest lines expected for a demand.
	FetchExpectedItems(ctx context.Context, demandaID string) ([]*ExpectedItem, error)
}
