package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	input := map[string]string{"b": "2", "a": "1"}
	data, err := Marshal(input)
	require.NoError(t, err)
	require.Equal(t, `{"a":"1","b":"2"}`, string(data))
}

func TestMarshal_RespectsTags(t *testing.T) {
	input := struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}{Name: "test", Age: 42}

	data, err := Marshal(input)
	require.NoError(t, err)
	require.Equal(t, `{"age":42,"name":"test"}`, string(data))
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	data, err := Marshal(map[string]string{"q": "a<b&c>d"})
	require.NoError(t, err)
	require.Contains(t, string(data), "a<b&c>d")
}

func TestMarshal_Deterministic(t *testing.T) {
	input := map[string]int{"z": 3, "a": 1, "m": 2}
	data1, err := Marshal(input)
	require.NoError(t, err)
	data2, err := Marshal(input)
	require.NoError(t, err)
	require.Equal(t, string(data1), string(data2))
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHash_SensitiveToValues(t *testing.T) {
	h1, err := Hash(map[string]any{"status": "pending"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"status": "processed"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestDelta_TopLevelOnly(t *testing.T) {
	prev := map[string]any{
		"status": "pending",
		"tags":   []any{"a", "b"},
		"owner":  "alice",
	}
	next := map[string]any{
		"status": "processed",
		"tags":   []any{"a", "b"},
		"size":   float64(42),
	}

	delta, err := Delta(prev, next)
	require.NoError(t, err)

	require.Len(t, delta, 3)

	status := delta["status"].(FieldChange)
	assert.Equal(t, "pending", status.Old)
	assert.Equal(t, "processed", status.New)

	owner := delta["owner"].(FieldChange)
	assert.Equal(t, "alice", owner.Old)
	assert.Nil(t, owner.New)

	size := delta["size"].(FieldChange)
	assert.Nil(t, size.Old)
	assert.Equal(t, float64(42), size.New)

	_, changed := delta["tags"]
	assert.False(t, changed, "unchanged nested value must not appear in delta")
}

func TestDelta_NestedComparedBySerialization(t *testing.T) {
	prev := map[string]any{"meta": map[string]any{"a": 1, "b": 2}}
	next := map[string]any{"meta": map[string]any{"b": 2, "a": 1}}

	delta, err := Delta(prev, next)
	require.NoError(t, err)
	assert.Empty(t, delta, "key order inside nested maps is not a change")

	next["meta"] = map[string]any{"a": 1, "b": 3}
	delta, err = Delta(prev, next)
	require.NoError(t, err)
	assert.Len(t, delta, 1)
}

func TestDelta_EmptyStates(t *testing.T) {
	delta, err := Delta(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, delta)

	delta, err = Delta(nil, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Len(t, delta, 1)
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  Judge   Smith ", "judge smith"},
		{"ACME Corp", "acme corp"},
		{"Müller", "müller"},
		{"ﬁle", "file"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeName(tc.in), "input %q", tc.in)
	}
}
