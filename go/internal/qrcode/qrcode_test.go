package qrcode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	p, err := Encode(key, 4217, "Speedy (Alpha)")
	require.NoError(t, err)
	assert.Equal(t, "Speedy (Alpha)", p.Info)

	id, err := Decode(key, p.Data)
	require.NoError(t, err)
	assert.Equal(t, int64(4217), id)

	raw, err := p.JSON()
	require.NoError(t, err)
	var back map[string]string
	require.NoError(t, json.Unmarshal([]byte(raw), &back))
	assert.Equal(t, map[string]string{"info": "Speedy (Alpha)", "data": p.Data}, back)
}

func TestDecodeRejects(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	other, err := NewKey()
	require.NoError(t, err)
	p, err := Encode(key, 7, "x")
	require.NoError(t, err)

	tests := []struct {
		name string
		key  []byte
		data string
		want error
	}{
		{"other round key", other, p.Data, ErrInvalidCard},
		{"not base64", key, "%%%", ErrInvalidCard},
		{"garbage token", key, "Z2FyYmFnZQ==", ErrInvalidCard},
		{"short key", key[:16], p.Data, ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.key, tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
