// Package bufpool recycles connection read buffers.
//
// Every accepted connection owns one read buffer for its whole life, so a
// busy gateway that churns short-lived keep-alive connections allocates and
// frees buffers at the accept rate. Buffers are grouped in size classes; a
// request larger than the biggest class is allocated directly and never
// pooled.
package bufpool

import "sync"

const (
	// SmallSize fits request heads of typical API clients.
	SmallSize = 4 << 10 // 4KB

	// MediumSize is the default connection read buffer.
	MediumSize = 16 << 10 // 16KB

	// LargeSize serves upload-heavy deployments.
	LargeSize = 64 << 10 // 64KB
)

type class struct {
	size int
	pool sync.Pool
}

func newClass(size int) *class {
	c := &class{size: size}
	c.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return c
}

var classes = []*class{
	newClass(SmallSize),
	newClass(MediumSize),
	newClass(LargeSize),
}

// Get returns a slice of length size. Its capacity may be larger.
//
// Pair every Get with a Put once the buffer is no longer referenced.
func Get(size int) []byte {
	for _, c := range classes {
		if size <= c.size {
			buf := *c.pool.Get().(*[]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its size class. Buffers that did not come from Get
// are dropped.
func Put(buf []byte) {
	capacity := cap(buf)
	for _, c := range classes {
		if capacity == c.size {
			full := buf[:capacity]
			c.pool.Put(&full)
			return
		}
	}
}
