package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPClient implements Client over plain HTTP with bearer authentication.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewHTTPClient creates a client for the given API base URL. timeout bounds
// every call including photo uploads; zero means 30 seconds.
func NewHTTPClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// FetchAllProducts returns the full remote product catalog. Unknown fields on
// each entry are preserved in Data so the local cache keeps what the remote
// sent.
func (c *HTTPClient) FetchAllProducts(ctx context.Context) ([]*Product, error) {
	var raw []map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/produtos", nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch product catalog: %w", err)
	}

	out := make([]*Product, 0, len(raw))
	for _, m := range raw {
		p := &Product{Data: m}
		if v, ok := m["sku"].(string); ok {
			p.SKU = v
		}
		if v, ok := m["descricao"].(string); ok {
			p.Descricao = v
		}
		if p.SKU == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *HTTPClient) RequestUploadURL(ctx context.Context, filename string) (string, error) {
	body := map[string]string{"filename": filename}
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/uploads/presigned", body, &resp); err != nil {
		return "", fmt.Errorf("failed to request upload url for %s: %w", filename, err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("empty upload url for %s", filename)
	}
	return resp.URL, nil
}

// UploadBytes puts raw file bytes to a presigned URL. The URL is absolute and
// not under the API base; no bearer token is attached.
func (c *HTTPClient) UploadBytes(ctx context.Context, uploadURL, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload failed: status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) SubmitAnomaly(ctx context.Context, payload *AnomalyPayload) error {
	path := fmt.Sprintf("/demandas/%s/anomalias", url.PathEscape(payload.DemandaID))
	if err := c.doJSON(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("failed to submit anomaly for demand %s: %w", payload.DemandaID, err)
	}
	return nil
}

func (c *HTTPClient) SubmitChecklist(ctx context.Context, payload *ChecklistPayload) error {
	path := fmt.Sprintf("/demandas/%s/checklist", url.PathEscape(payload.DemandaID))
	if err := c.doJSON(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("failed to submit checklist for demand %s: %w", payload.DemandaID, err)
	}
	return nil
}

func (c *HTTPClient) SubmitBlindCount(ctx context.Context, demandaID string, lines []BlindCountLine, idempotencyKey string) error {
	body := struct {
		Itens          []BlindCountLine `json:"itens"`
		IdempotencyKey string           `json:"idempotencyKey"`
	}{Itens: lines, IdempotencyKey: idempotencyKey}

	path := fmt.Sprintf("/demandas/%s/contagem-cega", url.PathEscape(demandaID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to submit blind count for demand %s: %w", demandaID, err)
	}
	return nil
}

func (c *HTTPClient) FinalizeDemand(ctx context.Context, demandaID string) error {
	path := fmt.Sprintf("/demandas/%s/finalizar", url.PathEscape(demandaID))
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to finalize demand %s: %w", demandaID, err)
	}
	return nil
}

func (c *HTTPClient) SubmitClosingImages(ctx context.Context, demandaID string, filenames []string, idempotencyKey string) error {
	body := struct {
		Imagens        []string `json:"imagens"`
		IdempotencyKey string   `json:"idempotencyKey"`
	}{Imagens: filenames, IdempotencyKey: idempotencyKey}

	path := fmt.Sprintf("/demandas/%s/imagens-fim", url.PathEscape(demandaID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to submit closing images for demand %s: %w", demandaID, err)
	}
	return nil
}

func (c *HTTPClient) ListOpenDemands(ctx context.Context, centerID string) ([]*OpenDemand, error) {
	var raw []map[string]any
	path := fmt.Sprintf("/centros/%s/demandas-abertas", url.PathEscape(centerID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list open demands for center %s: %w", centerID, err)
	}

	out := make([]*OpenDemand, 0, len(raw))
	for _, m := range raw {
		d := &OpenDemand{DemandaID: m["demandaId"], Data: m}
		if v, ok := m["placa"].(string); ok {
			d.Placa = v
		}
		if v, ok := m["motorista"].(string); ok {
			d.Motorista = v
		}
		if v, ok := m["doca"].(string); ok {
			d.Doca = v
		}
		if v, ok := m["status"].(string); ok {
			d.Status = v
		}
		if v, ok := m["senha"].(string); ok {
			d.Senha = v
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *HTTPClient) FetchExpectedItems(ctx context.Context, demandaID string) ([]*ExpectedItem, error) {
	var items []*ExpectedItem
	path := fmt.Sprintf("/demandas/%s/itens", url.PathEscape(demandaID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, fmt.Errorf("failed to fetch expected items for demand %s: %w", demandaID, err)
	}
	return items, nil
}

// doJSON issues one API call. body and out may be nil; non-2xx responses
// become errors carrying the status and a truncated body excerpt.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
