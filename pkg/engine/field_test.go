package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldValueStringRoundtrip(t *testing.T) {
	t.Parallel()

	encoded, err := StringValue("4532-1111-2222-3333").encode()
	require.NoError(t, err)
	assert.Equal(t, byte(fieldTagString), encoded[0])

	decoded, err := decodeField(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindString, decoded.Kind())

	s, err := decoded.AsString()
	require.NoError(t, err)
	assert.Equal(t, "4532-1111-2222-3333", s)
}

func TestFieldValueNumberRoundtrip(t *testing.T) {
	t.Parallel()

	for _, f := range []float64{75000.0, -0.01, 1234567.89, 0} {
		encoded, err := NumberValue(f).encode()
		require.NoError(t, err)
		require.Len(t, encoded, 9)

		decoded, err := decodeField(encoded)
		require.NoError(t, err)

		got, err := decoded.AsNumber()
		require.NoError(t, err)
		assert.Equal(t, f, got, "numbers must round-trip bit-exact")
	}
}

func TestFieldValueObjectRoundtrip(t *testing.T) {
	t.Parallel()

	type account struct {
		Number  string  `json:"number"`
		Balance float64 `json:"balance"`
	}

	value, err := ObjectValue(account{Number: "DE89370400440532013000", Balance: 75000.0})
	require.NoError(t, err)

	encoded, err := value.encode()
	require.NoError(t, err)

	decoded, err := decodeField(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindObject, decoded.Kind())

	var got account
	require.NoError(t, decoded.DecodeObject(&got))
	assert.Equal(t, "DE89370400440532013000", got.Number)
	assert.Equal(t, 75000.0, got.Balance)
}

func TestFieldValueWrongKindAccessors(t *testing.T) {
	t.Parallel()

	str := StringValue("hello")
	_, err := str.AsNumber()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not number")

	var out map[string]interface{}
	err = str.DecodeObject(&out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not object")

	num := NumberValue(3.14)
	_, err = num.AsString()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not string")
}

func TestObjectValueRejectsUnserializable(t *testing.T) {
	t.Parallel()

	_, err := ObjectValue(make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serialize object field")
}

func TestEncodeZeroValueFails(t *testing.T) {
	t.Parallel()

	_, err := FieldValue{}.encode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no kind")
}

func TestDecodeFieldErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"empty", nil, "empty field payload"},
		{"truncated number", []byte{fieldTagNumber, 1, 2, 3}, "must be 9 bytes"},
		{"invalid object json", []byte{fieldTagObject, '{', 'x'}, "not valid JSON"},
		{"unknown tag", []byte{0x7f, 'a'}, "unknown field tag"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := decodeField(tc.payload)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
