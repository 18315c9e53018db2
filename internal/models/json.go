package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// RawJSON is a nullable JSON column. A nil value reads from and stores as
// SQL NULL; database/sql cannot scan NULL into a bare json.RawMessage.
type RawJSON []byte

// Scan implements sql.Scanner.
func (j *RawJSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		// Copy; the driver may reuse the buffer after Scan returns.
		*j = append(RawJSON(nil), v...)
	case string:
		*j = RawJSON(v)
	default:
		return fmt.Errorf("unsupported type %T for RawJSON", value)
	}
	return nil
}

// Value implements driver.Valuer.
func (j RawJSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return []byte(j), nil
}

// MarshalJSON renders the stored document, or null when absent.
func (j RawJSON) MarshalJSON() ([]byte, error) {
	return json.RawMessage(j).MarshalJSON()
}

// UnmarshalJSON stores the document verbatim.
func (j *RawJSON) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(j).UnmarshalJSON(data)
}
