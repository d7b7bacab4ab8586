package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name          string
		limit, offset int
		want          Page
	}{
		{"in range", 20, 40, Page{Limit: 20, Offset: 40}},
		{"zero limit", 0, 0, Page{Limit: 1, Offset: 0}},
		{"negative limit", -3, 0, Page{Limit: 1, Offset: 0}},
		{"above max", 1000, 0, Page{Limit: 100, Offset: 0}},
		{"at max", 100, 5, Page{Limit: 100, Offset: 5}},
		{"negative offset", 10, -1, Page{Limit: 10, Offset: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clamp(tt.limit, tt.offset, 100))
		})
	}
}

func TestWindow(t *testing.T) {
	start, end := Page{Limit: 2, Offset: 1}.Window(5)
	assert.Equal(t, 1, start)
	assert.Equal(t, 3, end)

	start, end = Page{Limit: 10, Offset: 3}.Window(5)
	assert.Equal(t, 3, start)
	assert.Equal(t, 5, end)

	start, end = Page{Limit: 10, Offset: 9}.Window(5)
	assert.Equal(t, 5, start)
	assert.Equal(t, 5, end)
}
