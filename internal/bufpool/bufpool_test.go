package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_SizeClasses(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"Tiny", 1, SmallSize},
		{"Small", SmallSize, SmallSize},
		{"Medium", SmallSize + 1, MediumSize},
		{"Default", MediumSize, MediumSize},
		{"Large", LargeSize, LargeSize},
		{"Oversized", LargeSize + 1, LargeSize + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Get(tt.size)
			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
			Put(buf)
		})
	}
}

func TestPut_ForeignBuffersIgnored(t *testing.T) {
	assert.NotPanics(t, func() {
		Put(nil)
		Put(make([]byte, 100))
		Put(make([]byte, LargeSize+1))
	})
}

func TestPut_RestoresFullLength(t *testing.T) {
	buf := Get(10)
	Put(buf)

	// Whatever the pool hands back must be usable at the requested length.
	again := Get(SmallSize)
	assert.Len(t, again, SmallSize)
	Put(again)
}
