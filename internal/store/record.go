package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CanonicalID normalizes a demand identifier to its canonical string form.
//
// Demand ids arrive as strings from route parameters and as numbers from the
// remote API, so every store boundary funnels ids through this single
// function. Two ids are the same demand iff their canonical forms are equal.
func CanonicalID(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// SameID reports whether two identifiers refer to the same demand,
// regardless of the source representation.
func SameID(a, b any) bool {
	return CanonicalID(a) == CanonicalID(b)
}

// DemandRecord is one warehouse return operation as known locally.
//
// Finalizada records that the user pressed finish; Synced records that the
// remote system confirmed the finalize call. The two are independent: a
// correction after finalization clears both.
type DemandRecord struct {
	ID         int64          `json:"id"`
	DemandaID  string         `json:"demandaId"`
	Placa      string         `json:"placa,omitempty"`
	Motorista  string         `json:"motorista,omitempty"`
	Doca       string         `json:"doca,omitempty"`
	Status     string         `json:"status,omitempty"`
	Senha      string         `json:"senha,omitempty"`
	Data       map[string]any `json:"data"`
	Finalizada bool           `json:"finalizada"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
	Synced     bool           `json:"synced"`
}

// ConferenceRecord is the count/verification of one manifest line item.
//
// ItemID is the derived composite key: demandaId-sku for manifest items, or a
// generated id for extra items. ExpectedBoxQuantity and BoxQuantity are nil
// when the manifest carries no box-level expectation.
type ConferenceRecord struct {
	ID                  int64  `json:"id"`
	ItemID              string `json:"itemId"`
	DemandaID           string `json:"demandaId"`
	SKU                 string `json:"sku"`
	Description         string `json:"description"`
	ExpectedQuantity    int    `json:"expectedQuantity"`
	CheckedQuantity     int    `json:"checkedQuantity"`
	ExpectedBoxQuantity *int   `json:"expectedBoxQuantity,omitempty"`
	BoxQuantity         *int   `json:"boxQuantity,omitempty"`
	Lote                string `json:"lote,omitempty"`
	IsChecked           bool   `json:"isChecked"`
	IsExtra             bool   `json:"isExtra,omitempty"`
	CreatedAt           int64  `json:"createdAt"`
	UpdatedAt           int64  `json:"updatedAt"`
	Synced              bool   `json:"synced"`
}

// HasDivergence reports whether the checked quantities differ from what the
// manifest expected. Unchecked items never diverge. Box quantities are only
// compared when the manifest defined an expectation for them.
func (c *ConferenceRecord) HasDivergence() bool {
	if !c.IsChecked {
		return false
	}
	if c.ExpectedQuantity != c.CheckedQuantity {
		return true
	}
	if c.ExpectedBoxQuantity != nil {
		checked := 0
		if c.BoxQuantity != nil {
			checked = *c.BoxQuantity
		}
		if *c.ExpectedBoxQuantity != checked {
			return true
		}
	}
	return false
}

// ChecklistRecord is the pre-conference inspection for a demand: compartment
// photos (opaque encoded-photo references) and two temperature readings.
// At most one exists per demand; saves overwrite it in place.
type ChecklistRecord struct {
	ID                 int64  `json:"id"`
	DemandaID          string `json:"demandaId"`
	FotoBauAberto      string `json:"fotoBauAberto"`
	FotoBauFechado     string `json:"fotoBauFechado"`
	TemperaturaBau     string `json:"temperaturaBau"`
	TemperaturaProduto string `json:"temperaturaProduto"`
	Anomalias          string `json:"anomalias,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt"`
	Synced             bool   `json:"synced"`
}

// HasAnyPhoto reports whether at least one compartment photo was captured.
// Checklists without photos are not eligible for sync.
func (c *ChecklistRecord) HasAnyPhoto() bool {
	return c.FotoBauAberto != "" || c.FotoBauFechado != ""
}

// AnomalyRecord is one reported defect, linked to a conference item.
//
// ReplicatedGroupID groups anomalies created from a single "replicate to all
// items" action; members of a group share one photo set and the sync engine
// uploads it exactly once. IdempotencyKey is sent with the remote submission
// so a lost response can be retried safely.
type AnomalyRecord struct {
	ID                int64    `json:"id"`
	ItemID            string   `json:"itemId"`
	DemandaID         string   `json:"demandaId"`
	SKU               string   `json:"sku"`
	Lote              string   `json:"lote,omitempty"`
	Quantity          int      `json:"quantity"`
	QuantityBox       *int     `json:"quantityBox,omitempty"`
	QuantityUnit      *int     `json:"quantityUnit,omitempty"`
	Description       string   `json:"description"`
	Photos            []string `json:"photos"`
	ReplicatedGroupID string   `json:"replicatedGroupId,omitempty"`
	IdempotencyKey    string   `json:"idempotencyKey,omitempty"`
	CreatedAt         int64    `json:"createdAt"`
	UpdatedAt         int64    `json:"updatedAt"`
	Synced            bool     `json:"synced"`
}

// FinishPhotoRecord holds the ordered closing-photo set for a demand.
// At most one unsynced record exists per demand; saves replace it wholesale.
type FinishPhotoRecord struct {
	ID        int64    `json:"id"`
	DemandaID string   `json:"demandaId"`
	Photos    []string `json:"photos"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
	Synced    bool     `json:"synced"`
}

// ProductRecord is one catalog entry, cached locally for offline lookup.
// The catalog is replaced wholesale on every products sync.
type ProductRecord struct {
	SKU       string         `json:"sku"`
	Descricao string         `json:"descricao"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt int64          `json:"updatedAt"`
}

// marshalJSONMap serializes a data map, treating nil as the empty object.
func marshalJSONMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data map: %w", err)
	}
	return string(b), nil
}

// unmarshalJSONMap parses a data map column, treating empty as the empty object.
func unmarshalJSONMap(s string) (map[string]any, error) {
	if s == "" || s == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data map: %w", err)
	}
	return m, nil
}

// marshalStringList serializes a photo list, treating nil as the empty list.
func marshalStringList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to marshal list: %w", err)
	}
	return string(b), nil
}

// unmarshalStringList parses a photo list column.
func unmarshalStringList(s string) ([]string, error) {
	if s == "" || s == "null" {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal list: %w", err)
	}
	return list, nil
}
