package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MarshalRecord encodes a record for text-based stores.
func MarshalRecord(record Record) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord decodes a record produced by MarshalRecord.
func UnmarshalRecord(data []byte) (Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return record, nil
}

// ProvidersString joins providers the way they appear in exports.
func (r Record) ProvidersString() string {
	return strings.Join(r.Providers, ", ")
}
