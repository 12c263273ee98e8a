package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the serialized form used by backends that have no native expiry.
type Record struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewRecord builds a record for value that expires maxAge after now.
func NewRecord(value string, maxAge time.Duration, now time.Time) Record {
	r := Record{Value: value}
	if maxAge > 0 {
		r.ExpiresAt = now.Add(maxAge)
	}
	return r
}

// Expired reports whether the record's max-age has elapsed at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	return r, nil
}
