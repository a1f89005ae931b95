package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// LineItems is stored as a JSONB array.
type LineItems []LineItem

// StatusHistory is stored as a JSONB array and only ever appended to.
type StatusHistory []StatusHistoryEntry

func (l LineItems) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return marshalJSONB(l)
}

func (l *LineItems) Scan(src any) error { return unmarshalJSONB(src, l) }

func (h StatusHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	return marshalJSONB(h)
}

func (h *StatusHistory) Scan(src any) error { return unmarshalJSONB(src, h) }

func (a Address) Value() (driver.Value, error) { return marshalJSONB(a) }

func (a *Address) Scan(src any) error { return unmarshalJSONB(src, a) }

func (p PaymentFacts) Value() (driver.Value, error) { return marshalJSONB(p) }

func (p *PaymentFacts) Scan(src any) error { return unmarshalJSONB(src, p) }

func (s ShipmentFacts) Value() (driver.Value, error) { return marshalJSONB(s) }

func (s *ShipmentFacts) Scan(src any) error { return unmarshalJSONB(src, s) }

func marshalJSONB(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalJSONB(src any, dst any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
