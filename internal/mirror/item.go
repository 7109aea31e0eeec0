package mirror

import (
	"fmt"
	"time"
)

const ItemsCollection = "items"

const (
	FieldItemCode         = "item_code"
	FieldItemName         = "item_name"
	FieldStockQty         = "stock_qty"
	FieldSyncedFromSource = "synced_from_source"
	FieldSourceQty        = "source_qty"
	FieldUpdatedAt        = "updated_at"
	FieldCreatedAt        = "created_at"
	FieldConflictResolved = "conflict_resolved"
)

// DefaultMetadataFields are the sparse metadata fields carried by items.
var DefaultMetadataFields = []string{"location", "tax_code", "category", "uom", "barcode"}

var itemFields = map[string]bool{
	IDField:               true,
	FieldItemCode:         true,
	FieldItemName:         true,
	FieldStockQty:         true,
	FieldSyncedFromSource: true,
	FieldSourceQty:        true,
	FieldUpdatedAt:        true,
	FieldCreatedAt:        true,
	FieldConflictResolved: true,
}

// ItemRecord is the mirror's copy of one authoritative item.
type ItemRecord struct {
	ID               string            `json:"_id,omitempty"`
	ItemCode         string            `json:"item_code"`
	ItemName         string            `json:"item_name"`
	StockQty         float64           `json:"stock_qty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	SyncedFromSource bool              `json:"synced_from_source"`
	SourceQty        float64           `json:"source_qty"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CreatedAt        time.Time         `json:"created_at"`
	ConflictResolved bool              `json:"conflict_resolved,omitempty"`
}

// ToDocument flattens the record; metadata fields become top-level fields.
func (r ItemRecord) ToDocument() Document {
	doc := Document{
		FieldItemCode:         r.ItemCode,
		FieldItemName:         r.ItemName,
		FieldStockQty:         r.StockQty,
		FieldSyncedFromSource: r.SyncedFromSource,
		FieldSourceQty:        r.SourceQty,
	}
	if !r.UpdatedAt.IsZero() {
		doc[FieldUpdatedAt] = r.UpdatedAt
	}
	if !r.CreatedAt.IsZero() {
		doc[FieldCreatedAt] = r.CreatedAt
	}
	if r.ConflictResolved {
		doc[FieldConflictResolved] = true
	}
	for k, v := range r.Metadata {
		if v != "" {
			doc[k] = v
		}
	}
	return doc
}

// ItemFromDocument reads an item back from a document. Every unknown string field is
// treated as metadata.
func ItemFromDocument(doc Document) (ItemRecord, error) {
	code, ok := doc[FieldItemCode].(string)
	if !ok || code == "" {
		return ItemRecord{}, fmt.Errorf("document has no %s", FieldItemCode)
	}

	r := ItemRecord{ItemCode: code}
	r.ID, _ = doc[IDField].(string)
	r.ItemName, _ = doc[FieldItemName].(string)
	r.StockQty, _ = Float(doc[FieldStockQty])
	r.SourceQty, _ = Float(doc[FieldSourceQty])
	r.SyncedFromSource, _ = doc[FieldSyncedFromSource].(bool)
	r.ConflictResolved, _ = doc[FieldConflictResolved].(bool)
	r.UpdatedAt, _ = Time(doc[FieldUpdatedAt])
	r.CreatedAt, _ = Time(doc[FieldCreatedAt])

	for k, v := range doc {
		if itemFields[k] {
			continue
		}
		if s, ok := v.(string); ok {
			if r.Metadata == nil {
				r.Metadata = make(map[string]string)
			}
			r.Metadata[k] = s
		}
	}
	return r, nil
}

// ItemFilter selects an item by code.
func ItemFilter(code string) Document {
	return Document{FieldItemCode: code}
}
