package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2, 3}))
	assert.True(t, ConstantTimeEqual(nil, nil))
	assert.False(t, ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2, 4}))
	assert.False(t, ConstantTimeEqual([]byte{1, 2, 3}, []byte{1, 2}))
	assert.False(t, ConstantTimeEqual([]byte{0xff}, []byte{0x00}))
}
