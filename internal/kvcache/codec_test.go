package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullMarshaler struct{}

func (nullMarshaler) MarshalJSON() ([]byte, error) { return []byte(" null "), nil }

func TestEncodeValue(t *testing.T) {
	raw, err := encodeValue(JSONCodec{}, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = encodeValue(JSONCodec{}, []string{})
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(raw))

	_, err = encodeValue(JSONCodec{}, nullMarshaler{})
	assert.ErrorIs(t, err, errNullEncoding)

	_, err = encodeValue(JSONCodec{}, complex(1, 2))
	assert.Error(t, err)
}

func TestCheckValue(t *testing.T) {
	var nilSlice []int
	var nilIface error

	assert.ErrorIs(t, checkValue(nil), errNilValue)
	assert.ErrorIs(t, checkValue(nilSlice), errNilValue)
	assert.ErrorIs(t, checkValue(nilIface), errNilValue)
	assert.NoError(t, checkValue(0))
	assert.NoError(t, checkValue(""))
	assert.NoError(t, checkValue(struct{}{}))
}
