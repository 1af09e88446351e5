package store

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renna-labs/stitch/pkg/schema"
)

type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestCheckRowsAffected(t *testing.T) {
	assert.NoError(t, checkRowsAffected(fakeResult{rows: 1}, "tool", "t1"))

	err := checkRowsAffected(fakeResult{rows: 0}, "tool", "t1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestStoreNotFound(t *testing.T) {
	err := storeNotFound("run", "r1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "r1")
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, nullStr(""))
	assert.Equal(t, "x", nullStr("x"))

	assert.Nil(t, nullTime(nil))
	now := time.Now()
	assert.Equal(t, now, nullTime(&now))

	assert.Nil(t, nullRaw(nil))
	assert.Nil(t, nullRaw(json.RawMessage{}))
	assert.Equal(t, `{"a":1}`, nullRaw(json.RawMessage(`{"a":1}`)))
}

func TestRawOrNil(t *testing.T) {
	assert.Nil(t, rawOrNil(sql.NullString{}))
	assert.Nil(t, rawOrNil(sql.NullString{Valid: true, String: ""}))
	assert.Equal(t, json.RawMessage(`[1]`), rawOrNil(sql.NullString{Valid: true, String: "[1]"}))
}

func TestMarshalMapOrDefault(t *testing.T) {
	raw, err := marshalMapOrDefault(nil)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("{}"), raw)

	raw, err = marshalMapOrDefault(map[string]any{"k": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(raw))
}

func TestTimeOrNow(t *testing.T) {
	fixed := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, fixed, timeOrNow(fixed))
	assert.False(t, timeOrNow(time.Time{}).IsZero())
}

func TestBoolToInt(t *testing.T) {
	assert.Equal(t, 1, boolToInt(true))
	assert.Equal(t, 0, boolToInt(false))
}
