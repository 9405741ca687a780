package fhir

import (
	"encoding/json"
	"fmt"
)

func unmarshalRow(row []byte, v interface{}) error {
	if err := json.Unmarshal(row, v); err != nil {
		return fmt.Errorf("decode query row: %w", err)
	}
	return nil
}

func marshalResource(resource map[string]interface{}) ([]byte, error) {
	doc, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	return doc, nil
}
