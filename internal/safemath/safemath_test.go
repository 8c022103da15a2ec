package safemath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdd64(t *testing.T) {
	v, ok := Add64(1, 2)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), v)

	_, ok = Add64(math.MaxUint64, 1)
	assert.False(t, ok)
}

func TestSub64(t *testing.T) {
	v, ok := Sub64(5, 3)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), v)

	_, ok = Sub64(3, 5)
	assert.False(t, ok)
}

func TestSaturatingAdd64(t *testing.T) {
	assert.Equal(t, uint64(3), SaturatingAdd64(1, 2))
	assert.Equal(t, uint64(math.MaxUint64), SaturatingAdd64(math.MaxUint64, 1))
	assert.Equal(t, uint64(math.MaxUint64), SaturatingAdd64(math.MaxUint64, math.MaxUint64))
	assert.Equal(t, uint64(math.MaxUint64), SaturatingAdd64(math.MaxUint64, 0))
}
