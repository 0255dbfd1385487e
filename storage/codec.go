package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Encode marshals v as JSON into a Record carrying version.
func Encode(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Data: data, Version: version}, nil
}

// Decode unmarshals a Record's JSON data into v.
func Decode(rec *Record, v any) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// GetJSON loads and decodes one record, returning its version.
func GetJSON(ctx context.Context, r Reader, recordType, recordID string, v any) (uint64, error) {
	rec, err := r.Get(ctx, recordType, recordID)
	if err != nil {
		return 0, err
	}
	if err := Decode(rec, v); err != nil {
		return 0, fmt.Errorf("%s/%s: %w", recordType, recordID, err)
	}
	return rec.Version, nil
}

// PutJSON encodes v and stores it unconditionally.
func PutJSON(ctx context.Context, w interface {
	Put(ctx context.Context, recordType, recordID string, rec *Record) error
}, recordType, recordID string, v any, version uint64) error {
	rec, err := Encode(v, version)
	if err != nil {
		return err
	}
	return w.Put(ctx, recordType, recordID, rec)
}

// PutJSONCAS encodes v at expectedVersion+1 and stores it with PutCAS. An
// expectedVersion of 0 creates the record.
func PutJSONCAS(ctx context.Context, w interface {
	PutCAS(ctx context.Context, recordType, recordID string, expectedVersion uint64, rec *Record) error
}, recordType, recordID string, v any, expectedVersion uint64) error {
	rec, err := Encode(v, expectedVersion+1)
	if err != nil {
		return err
	}
	return w.PutCAS(ctx, recordType, recordID, expectedVersion, rec)
}
