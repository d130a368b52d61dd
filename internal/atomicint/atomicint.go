// Package atomicint holds the atomic counters and flags shared between the
// run loop and the goroutines that stop it.
package atomicint

import (
	"fmt"
	"sync/atomic"
)

// Int64 is an int64 safe for concurrent use.
type Int64 struct {
	v int64
}

func (v *Int64) Load() int64 {
	return atomic.LoadInt64(&v.v)
}

func (v *Int64) Store(i int64) {
	atomic.StoreInt64(&v.v, i)
}

func (v *Int64) String() string {
	return fmt.Sprint(v.Load())
}

// Increment increments the value and returns the new value.
func (v *Int64) Increment(delta int64) int64 {
	return atomic.AddInt64(&v.v, delta)
}

// Bool is a flag safe for concurrent use.
type Bool struct {
	v Int64
}

func (b *Bool) Load() bool {
	return b.v.Load() != 0
}

func (b *Bool) Store(v bool) {
	if v {
		b.v.Store(1)
		return
	}
	b.v.Store(0)
}
