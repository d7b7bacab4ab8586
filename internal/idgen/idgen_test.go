package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("cr_")
	assert.Regexp(t, `^cr_[0-9a-f]{24}$`, id)
	assert.NotEqual(t, id, WithPrefix("cr_"))
}

func TestWithPrefix_Empty(t *testing.T) {
	assert.Regexp(t, `^[0-9a-f]{24}$`, WithPrefix(""))
}
