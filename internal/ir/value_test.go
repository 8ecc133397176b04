package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("s")
	var _ Value = Int(1)
	var _ Value = Bool(true)
	var _ Value = List{String("a")}
	var _ Value = Object{"k": Int(1)}
}

func TestSortedKeysUTF16Order(t *testing.T) {
	// U+10000 encodes as the surrogate pair D800 DC00, which sorts before
	// U+E000 in UTF-16 even though its UTF-8 bytes sort after.
	obj := Object{
		"\uE000":     Int(1),
		"\U00010000": Int(2),
		"a":          Int(3),
	}
	assert.Equal(t, []string{"a", "\U00010000", "\uE000"}, obj.SortedKeys())
}

func TestSortedKeysASCII(t *testing.T) {
	obj := Object{"b": Int(1), "A": Int(2), "a": Int(3), "AA": Int(4)}
	assert.Equal(t, []string{"A", "AA", "a", "b"}, obj.SortedKeys())
}

func TestObjectCloneAndMerge(t *testing.T) {
	base := Object{"a": Int(1), "b": String("x")}
	clone := base.Clone()
	clone.Merge(Object{"b": String("y"), "c": Bool(true)})

	assert.Equal(t, Object{"a": Int(1), "b": String("x")}, base, "clone must not alias")
	assert.Equal(t, Object{"a": Int(1), "b": String("y"), "c": Bool(true)}, clone)
}

func TestObjectJSONRoundTrip(t *testing.T) {
	obj := Object{
		"name":  String("order-7"),
		"count": Int(-3),
		"ok":    Bool(false),
		"tags":  List{String("a"), Int(2)},
		"none":  Null{},
		"inner": Object{"z": Int(1)},
	}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"count":-3,"inner":{"z":1},"name":"order-7","none":null,"ok":false,"tags":["a",2]}`, string(data))

	var decoded Object
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, obj, decoded)
}

func TestUnmarshalObjectRejectsFloats(t *testing.T) {
	var obj Object
	err := json.Unmarshal([]byte(`{"a":{"b":[1.5]}}`), &obj)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "float")
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Value
		wantErr string
	}{
		{"string", `"hi"`, String("hi"), ""},
		{"int", `42`, Int(42), ""},
		{"bool", `true`, Bool(true), ""},
		{"list", `[1,"a"]`, List{Int(1), String("a")}, ""},
		{"object", `{"a":{"b":2}}`, Object{"a": Object{"b": Int(2)}}, ""},
		{"float", `3.14`, nil, "float"},
		{"exponent", `1e10`, nil, "float"},
		{"nested float", `{"a":[2.5]}`, nil, "float"},
		{"null", `null`, nil, "null"},
		{"nested null", `{"a":null}`, nil, "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseValue([]byte(tt.input))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromGo(t *testing.T) {
	got, err := FromGo(map[string]any{
		"n":     float64(3),
		"s":     "x",
		"b":     true,
		"list":  []any{1, "two"},
		"names": []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, Object{
		"n":     Int(3),
		"s":     String("x"),
		"b":     Bool(true),
		"list":  List{Int(1), String("two")},
		"names": List{String("a"), String("b")},
	}, got)

	_, err = FromGo(2.5)
	assert.ErrorContains(t, err, "float")

	_, err = FromGo(struct{}{})
	assert.ErrorContains(t, err, "unsupported")
}

func TestObjectFromGoNil(t *testing.T) {
	obj, err := ObjectFromGo(nil)
	require.NoError(t, err)
	assert.Equal(t, Object{}, obj)
}
