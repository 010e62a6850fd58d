package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPage(t *testing.T) {
	ptr := func(v int) *int { return &v }
	tests := []struct {
		name   string
		limit  *int
		offset *int
		want   Page
	}{
		{name: "defaults", want: Page{Limit: 50, Offset: 0}},
		{name: "in range", limit: ptr(20), offset: ptr(40), want: Page{Limit: 20, Offset: 40}},
		{name: "zero limit", limit: ptr(0), want: Page{Limit: 1}},
		{name: "negative limit", limit: ptr(-5), want: Page{Limit: 1}},
		{name: "limit above max", limit: ptr(10000), want: Page{Limit: 500}},
		{name: "negative offset", offset: ptr(-1), want: Page{Limit: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewPage(tt.limit, tt.offset))
		})
	}
}
