package conn

import "sync/atomic"

type atomicU64 struct {
	v atomic.Uint64
}

func (a *atomicU64) add(n uint64)  { a.v.Add(n) }
func (a *atomicU64) load() uint64  { return a.v.Load() }
