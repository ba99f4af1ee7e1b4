package domain

import "sync/atomic"

// RefCount is an atomic reference counter with a destructor hook.
// Long-lived entities (UserSession, Call) are exclusively owned until
// shared; the hook runs exactly once, when the count reaches zero.
type RefCount struct {
	count int32
	free  func()
}

// NewRefCount creates a counter initialized to one reference.
func NewRefCount(free func()) *RefCount {
	return &RefCount{count: 1, free: free}
}

// Increase adds a reference.
func (r *RefCount) Increase() {
	atomic.AddInt32(&r.count, 1)
}

// Decrease drops a reference and runs the destructor when the last
// one is gone.
func (r *RefCount) Decrease() {
	if atomic.AddInt32(&r.count, -1) == 0 && r.free != nil {
		r.free()
	}
}

// Refs returns the current count. Only meaningful for introspection
// and tests.
func (r *RefCount) Refs() int32 {
	return atomic.LoadInt32(&r.count)
}
