package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

// StringSlice is a custom type for storing string arrays in JSON
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *StringSlice) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil || data == nil {
		*s = nil
		return err
	}
	return json.Unmarshal(data, s)
}

// JSON is a custom type for storing arbitrary JSON data
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return "{}", nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (j *JSON) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil || data == nil {
		*j = nil
		return err
	}
	return json.Unmarshal(data, j)
}

func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported JSON column type %T", value)
	}
}
