package adapter_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/runtime/adapter"
)

func TestStableJSONSortsKeysRecursively(t *testing.T) {
	out, err := adapter.StableJSON(map[string]any{
		"b": map[string]any{"z": 1, "a": 2},
		"a": []any{map[string]any{"y": true, "x": false}},
	})
	require.NoError(t, err)
	require.Equal(t, `{"a":[{"x":false,"y":true}],"b":{"a":2,"z":1}}`, out)
}

func TestStableJSONRendersScalars(t *testing.T) {
	cases := []struct {
		value any
		want  string
	}{
		{nil, "null"},
		{true, "true"},
		{42, "42"},
		{3.5, "3.5"},
		{"hi \"there\"", `"hi \"there\""`},
		{map[string]any{}, "{}"},
		{[]any{}, "[]"},
	}
	for _, tc := range cases {
		out, err := adapter.StableJSON(tc.value)
		require.NoError(t, err)
		require.Equal(t, tc.want, out)
	}
}

func TestStableJSONRendersStructsThroughCodec(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	out, err := adapter.StableJSON(map[string]any{"p": payload{Name: "x", N: 1}})
	require.NoError(t, err)
	require.Equal(t, `{"p":{"n":1,"name":"x"}}`, out)
}

// anyType marks generator results as interface-typed so SliceOfN and MapOf
// build []any and map[string]any containers from heterogeneous elements.
var anyType = reflect.TypeOf((*any)(nil)).Elem()

func asAny(g gopter.Gen) gopter.Gen {
	return func(params *gopter.GenParameters) *gopter.GenResult {
		result := g(params)
		// Containers reuse one element's sieve across heterogeneous
		// elements; restrict it to values of its own concrete type.
		if sieve, origType := result.Sieve, result.ResultType; sieve != nil {
			result.Sieve = func(v any) bool {
				if v == nil || reflect.TypeOf(v) != origType {
					return true
				}
				return sieve(v)
			}
		}
		result.ResultType = anyType
		return result
	}
}

// genJSONValue produces arbitrary JSON-shaped values: scalars, arrays, and
// string-keyed objects, nested a few levels deep.
func genJSONValue(depth int) gopter.Gen {
	scalars := gen.OneGenOf(
		asAny(gen.Const(any(nil))),
		asAny(gen.Bool()),
		asAny(gen.Float64Range(-1e6, 1e6)),
		asAny(gen.AlphaString()),
	)
	if depth <= 0 {
		return scalars
	}
	return gen.OneGenOf(
		scalars,
		asAny(gen.SliceOfN(3, genJSONValue(depth-1))),
		asAny(gen.MapOf(gen.AlphaString(), genJSONValue(depth-1))),
	)
}

func TestStableJSONIsAFixedPoint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode then re-encode yields identical bytes", prop.ForAll(
		func(value any) bool {
			first, err := adapter.StableJSON(value)
			if err != nil {
				return false
			}
			var decoded any
			if err := json.Unmarshal([]byte(first), &decoded); err != nil {
				return false
			}
			second, err := adapter.StableJSON(decoded)
			if err != nil {
				return false
			}
			return first == second
		},
		genJSONValue(3),
	))

	properties.TestingRun(t)
}
