package ot

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationWireForm(t *testing.T) {
	d := New(Retain(2, bold), Insert("hi", nil), Delete(3))
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"retain":{"count":2,"attrs":{"bold":"true"}}},
		{"insert":{"text":"hi"}},
		{"delete":{"count":3}}
	]`, string(data))

	back, err := ParseDelta(data)
	require.NoError(t, err)
	requireDelta(t, d, back)
}

func TestEmptyDeltaJSON(t *testing.T) {
	data, err := json.Marshal(Delta{})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))

	back, err := ParseDelta(data)
	require.NoError(t, err)
	assert.True(t, back.IsNoop())
}

func TestParseDeltaRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		`[{}]`,
		`[{"delete":{"count":0}}]`,
		`[{"insert":{"text":""}}]`,
		`[{"insert":{"text":"a"},"delete":{"count":1}}]`,
		`{"ops":[]}`,
	} {
		_, err := ParseDelta([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestUnsetSurvivesWire(t *testing.T) {
	d := New(Retain(1, unbold))
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"retain":{"count":1,"attrs":{"bold":null}}}]`, string(data))

	back, err := ParseDelta(data)
	require.NoError(t, err)
	requireDelta(t, d, back)
}

func TestDeltaRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		d := randomDelta(r, r.Intn(20))
		data, err := json.Marshal(d)
		require.NoError(t, err)
		back, err := ParseDelta(data)
		require.NoError(t, err)
		requireDelta(t, d, back)
	}
}
