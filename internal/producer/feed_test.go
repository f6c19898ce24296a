package producer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ripple/internal/event"
)

func TestEnvelopeRowChange(t *testing.T) {
	raw := `{
		"op": "u",
		"before": {"id": "1", "year": 2016},
		"after": {"id": "1", "year": 2017},
		"source": {"table": "movies"},
		"ts_ms": 1700000000000
	}`

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	change, err := env.rowChange()
	require.NoError(t, err)
	assert.Equal(t, "movies", change.Table)
	assert.Equal(t, event.OpUpdate, change.Op)
	assert.Equal(t, float64(2017), change.After["year"])
	assert.Equal(t, float64(2016), change.Before["year"])
	assert.Equal(t, time.UnixMilli(1700000000000), change.TS)
}

func TestEnvelopeOpMapping(t *testing.T) {
	cases := []struct {
		op   string
		want event.Op
	}{
		{"c", event.OpCreate},
		{"r", event.OpCreate},
		{"u", event.OpUpdate},
		{"d", event.OpDelete},
	}
	for _, tc := range cases {
		change, err := envelope{Op: tc.op}.rowChange()
		require.NoError(t, err, "op %q", tc.op)
		assert.Equal(t, tc.want, change.Op, "op %q", tc.op)
	}

	_, err := envelope{Op: "x"}.rowChange()
	require.Error(t, err)
}
