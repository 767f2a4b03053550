package serialization

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/glimte/relay/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type order struct {
	ID     string     `json:"id"`
	Amount float64    `json:"amount"`
	Note   string     `json:"note,omitempty"`
	Items  []lineItem `json:"items"`
	Parent *order     `json:"parent"`
}

func castErr(t *testing.T, err error) *contracts.CastError {
	t.Helper()
	var castErr *contracts.CastError
	require.True(t, errors.As(err, &castErr), "expected CastError, got %v", err)
	return castErr
}

func TestCastScalars(t *testing.T) {
	c := Caster{}

	t.Run("whole floats cast to integers", func(t *testing.T) {
		v, err := CastTo[int](c, 1.0)

		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("fractional floats do not cast to integers", func(t *testing.T) {
		_, err := CastTo[int](c, 1.5)

		assert.Equal(t, contracts.ReasonIncompatible, castErr(t, err).Reason)
	})

	t.Run("integers cast to floats", func(t *testing.T) {
		v, err := CastTo[float64](c, int64(2))

		require.NoError(t, err)
		assert.Equal(t, 2.0, v)
	})

	t.Run("floats narrow to float32 only without loss", func(t *testing.T) {
		v, err := CastTo[float32](c, 0.1)
		require.NoError(t, err)
		assert.Equal(t, float32(0.1), v)

		v, err = CastTo[float32](c, 2.5)
		require.NoError(t, err)
		assert.Equal(t, float32(2.5), v)

		_, err = CastTo[float32](c, 3.141592653589793)
		assert.Equal(t, contracts.ReasonIncompatible, castErr(t, err).Reason)

		_, err = CastTo[float32](c, 1e300)
		assert.Equal(t, contracts.ReasonIncompatible, castErr(t, err).Reason)
	})

	t.Run("integers never become booleans", func(t *testing.T) {
		_, err := CastTo[bool](c, int64(1))

		assert.Equal(t, contracts.ReasonIncompatible, castErr(t, err).Reason)
	})

	t.Run("booleans never become integers", func(t *testing.T) {
		_, err := CastTo[int](c, true)

		assert.Error(t, err)
	})

	t.Run("out of range integers are rejected", func(t *testing.T) {
		_, err := CastTo[int8](c, int64(300))
		assert.Error(t, err)

		_, err = CastTo[uint](c, int64(-1))
		assert.Error(t, err)
	})

	t.Run("bytes and strings convert both ways", func(t *testing.T) {
		s, err := CastTo[string](c, []byte("abc"))
		require.NoError(t, err)
		assert.Equal(t, "abc", s)

		b, err := CastTo[[]byte](c, "abc")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), b)
	})

	t.Run("strings use text unmarshalers", func(t *testing.T) {
		ts, err := CastTo[time.Time](c, "2024-01-02T03:04:05Z")

		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), ts)
	})

	t.Run("nil fits only nil-able targets", func(t *testing.T) {
		p, err := CastTo[*int](c, nil)
		require.NoError(t, err)
		assert.Nil(t, p)

		_, err = CastTo[int](c, nil)
		assert.Error(t, err)
	})

	t.Run("pointers wrap the cast element", func(t *testing.T) {
		p, err := CastTo[*int](c, int64(5))

		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, 5, *p)
	})

	t.Run("casting twice equals casting once", func(t *testing.T) {
		cases := []struct {
			value  any
			target reflect.Type
		}{
			{int64(3), reflect.TypeOf(0)},
			{2.0, reflect.TypeOf(int64(0))},
			{int64(4), reflect.TypeOf(float32(0))},
			{"x", reflect.TypeOf("")},
			{[]any{int64(1), 2.0}, reflect.TypeOf([]int{})},
			{map[string]any{"a": int64(1)}, reflect.TypeOf(map[string]float64{})},
		}

		for _, tc := range cases {
			once, err := c.Cast(tc.value, tc.target)
			require.NoError(t, err)
			twice, err := c.Cast(once.Interface(), tc.target)
			require.NoError(t, err)

			assert.Equal(t, once.Interface(), twice.Interface())
		}
	})
}

func TestCastCollections(t *testing.T) {
	c := Caster{}

	t.Run("slices cast element-wise", func(t *testing.T) {
		v, err := CastTo[[]int](c, []any{int64(1), 2.0, int64(3)})

		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, v)
	})

	t.Run("one bad element fails the slice", func(t *testing.T) {
		_, err := CastTo[[]int](c, []any{int64(1), "two"})

		assert.Error(t, err)
	})

	t.Run("arrays require matching length", func(t *testing.T) {
		v, err := CastTo[[2]string](c, []any{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, [2]string{"a", "b"}, v)

		_, err = CastTo[[2]string](c, []any{"a"})
		assert.Error(t, err)
	})

	t.Run("maps cast their values and report the key", func(t *testing.T) {
		v, err := CastTo[map[string]int](c, map[string]any{"a": int64(1), "b": 2.0})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"a": 1, "b": 2}, v)

		_, err = CastTo[map[string]int](c, map[string]any{"bad": "x"})
		assert.Equal(t, "bad", castErr(t, err).Field)
	})
}

func TestCastRecords(t *testing.T) {
	input := map[string]any{
		"id":     "o-1",
		"amount": int64(10),
		"items": []any{
			map[string]any{"sku": "a", "quantity": int64(2)},
		},
	}

	t.Run("mappings keyword-expand into records", func(t *testing.T) {
		o, err := CastTo[order](Caster{}, input)

		require.NoError(t, err)
		assert.Equal(t, order{
			ID:     "o-1",
			Amount: 10,
			Items:  []lineItem{{SKU: "a", Quantity: 2}},
		}, o)
	})

	t.Run("records cast to pointers", func(t *testing.T) {
		o, err := CastTo[*order](Caster{}, input)

		require.NoError(t, err)
		assert.Equal(t, "o-1", o.ID)
	})

	t.Run("keys match field names case-insensitively", func(t *testing.T) {
		o, err := CastTo[lineItem](Caster{}, map[string]any{"SKU": "x", "Quantity": int64(1)})

		require.NoError(t, err)
		assert.Equal(t, lineItem{SKU: "x", Quantity: 1}, o)
	})

	t.Run("missing required field is reported by name", func(t *testing.T) {
		_, err := CastTo[order](Caster{}, map[string]any{"amount": 1.0})

		ce := castErr(t, err)
		assert.Equal(t, contracts.ReasonMissingField, ce.Reason)
		assert.Equal(t, "id", ce.Field)
	})

	t.Run("optional fields may be absent", func(t *testing.T) {
		o, err := CastTo[order](Caster{}, map[string]any{"id": "o-2", "amount": 1.0})

		require.NoError(t, err)
		assert.Empty(t, o.Note)
		assert.Nil(t, o.Items)
		assert.Nil(t, o.Parent)
	})

	t.Run("unknown keys are ignored unless strict", func(t *testing.T) {
		m := map[string]any{"sku": "a", "quantity": int64(1), "color": "red"}

		_, err := CastTo[lineItem](Caster{}, m)
		require.NoError(t, err)

		_, err = CastTo[lineItem](Caster{Strict: true}, m)
		ce := castErr(t, err)
		assert.Equal(t, contracts.ReasonUnknownField, ce.Reason)
		assert.Equal(t, "color", ce.Field)
	})

	t.Run("nested failures name the nested field", func(t *testing.T) {
		_, err := CastTo[order](Caster{}, map[string]any{
			"id":     "o-3",
			"amount": 1.0,
			"items":  []any{map[string]any{"sku": "a", "quantity": "many"}},
		})

		assert.Equal(t, "quantity", castErr(t, err).Field)
	})

	t.Run("ToMap reproduces the declared fields", func(t *testing.T) {
		m := map[string]any{"id": "o-4", "amount": 2.5, "note": "gift"}

		o, err := CastTo[order](Caster{}, m)
		require.NoError(t, err)
		back := ToMap(o)

		for k, v := range m {
			assert.Equal(t, v, back[k], k)
		}
	})

	t.Run("ToMap converts nested records", func(t *testing.T) {
		back := ToMap(&order{ID: "child", Parent: &order{ID: "root"}})

		parent, ok := back["parent"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "root", parent["id"])
	})
}
