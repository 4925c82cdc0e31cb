package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopupPayloadRoundTrip(t *testing.T) {
	raw := encodeTopupPayload(topupPayload{Tokens: 10000, Images: 10})

	decoded, err := decodeTopupPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), decoded.Tokens)
	assert.Equal(t, int64(10), decoded.Images)
}

func TestDecodeTopupPayloadRejectsGarbage(t *testing.T) {
	_, err := decodeTopupPayload("not json")
	assert.Error(t, err)
}

func TestDecodeTopupPayloadRejectsEmptyGrant(t *testing.T) {
	_, err := decodeTopupPayload(`{"tokens":0,"images":0}`)
	assert.Error(t, err)
}

func TestDecodeTopupPayloadAcceptsSingleDimension(t *testing.T) {
	decoded, err := decodeTopupPayload(`{"tokens":500}`)
	require.NoError(t, err)
	assert.Equal(t, int64(500), decoded.Tokens)
	assert.Equal(t, int64(0), decoded.Images)
}
