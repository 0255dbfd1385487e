package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapReader map[string]*Record

func (m mapReader) Get(_ context.Context, recordType, recordID string) (*Record, error) {
	rec, ok := m[recordType+":"+recordID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m mapReader) List(context.Context, string) ([]string, error) {
	return nil, nil
}

func (m mapReader) Put(_ context.Context, recordType, recordID string, rec *Record) error {
	m[recordType+":"+recordID] = rec.Clone()
	return nil
}

func (m mapReader) PutCAS(_ context.Context, recordType, recordID string, expected uint64, rec *Record) error {
	cur, ok := m[recordType+":"+recordID]
	switch {
	case expected == 0 && ok, expected != 0 && (!ok || cur.Version != expected):
		return ErrCASFailed
	}
	m[recordType+":"+recordID] = rec.Clone()
	return nil
}

func TestCodec(t *testing.T) {
	type row struct {
		ID   string `json:"id"`
		Hash string `json:"hash"`
	}
	m := mapReader{}
	ctx := t.Context()

	require.NoError(t, PutJSON(ctx, m, "USER", "u1", row{ID: "u1", Hash: "h"}, 4))

	var got row
	ver, err := GetJSON(ctx, m, "USER", "u1", &got)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ver)
	assert.Equal(t, row{ID: "u1", Hash: "h"}, got)

	_, err = GetJSON(ctx, m, "USER", "missing", &got)
	assert.ErrorIs(t, err, ErrNotFound)

	m["USER:bad"] = &Record{Data: []byte("not json")}
	_, err = GetJSON(ctx, m, "USER", "bad", &got)
	assert.Error(t, err)
}

func TestPutJSONCAS(t *testing.T) {
	m := mapReader{}
	ctx := t.Context()

	require.NoError(t, PutJSONCAS(ctx, m, "ACCOUNT", "a", map[string]string{"n": "1"}, 0))
	assert.ErrorIs(t, PutJSONCAS(ctx, m, "ACCOUNT", "a", map[string]string{"n": "x"}, 0), ErrCASFailed)

	var got map[string]string
	ver, err := GetJSON(ctx, m, "ACCOUNT", "a", &got)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ver)

	require.NoError(t, PutJSONCAS(ctx, m, "ACCOUNT", "a", map[string]string{"n": "2"}, ver))
	// A writer still holding version 1 loses.
	assert.ErrorIs(t, PutJSONCAS(ctx, m, "ACCOUNT", "a", map[string]string{"n": "stale"}, ver), ErrCASFailed)

	ver, err = GetJSON(ctx, m, "ACCOUNT", "a", &got)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ver)
	assert.Equal(t, "2", got["n"])
}

func TestRecordClone(t *testing.T) {
	var nilRec *Record
	assert.Nil(t, nilRec.Clone())

	r := &Record{Data: []byte("abc"), Version: 2}
	c := r.Clone()
	c.Data[0] = 'X'
	assert.Equal(t, "abc", string(r.Data))
	assert.Equal(t, uint64(2), c.Version)
}
