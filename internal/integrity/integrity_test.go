package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashPayloadDeterministic(t *testing.T) {
	a := map[string]any{"item_code": "SKU-001", "quantity": "2", "unit_price": "50.00"}
	b := map[string]any{"unit_price": "50.00", "quantity": "2", "item_code": "SKU-001"}

	assert.Equal(t, HashPayload(a), HashPayload(b), "key order must not affect the hash")
}

func TestHashPayloadFieldBoundaries(t *testing.T) {
	// Length prefixing must distinguish adjacent fields that would concatenate
	// to the same byte string.
	a := map[string]any{"ab": "c"}
	b := map[string]any{"a": "bc"}

	assert.NotEqual(t, HashPayload(a), HashPayload(b))
}

func TestHashPayloadNestedMaps(t *testing.T) {
	a := map[string]any{"meta": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"meta": map[string]any{"y": 2, "x": 1}}

	assert.Equal(t, HashPayload(a), HashPayload(b), "nested map key order must not affect the hash")
}

func TestVerifyPayload(t *testing.T) {
	payload := map[string]any{"order_id": "o-1", "status": "done"}
	h := HashPayload(payload)

	assert.True(t, VerifyPayload(h, payload))
	payload["status"] = "tampered"
	assert.False(t, VerifyPayload(h, payload))
}
