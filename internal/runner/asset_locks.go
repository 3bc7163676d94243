package runner

import (
	"sort"
	"sync"
)

// AssetLocks serializes work on a single asset. Different assets never
// block each other.
type AssetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewAssetLocks() *AssetLocks {
	return &AssetLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *AssetLocks) get(asset string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[asset]
	if !ok {
		m = &sync.Mutex{}
		l.locks[asset] = m
	}
	return m
}

// Lock acquires the lock for asset and returns its release func.
func (l *AssetLocks) Lock(asset string) func() {
	m := l.get(asset)
	m.Lock()
	return m.Unlock
}

// LockAll acquires every listed asset in sorted order.
func (l *AssetLocks) LockAll(assets []string) func() {
	uniq := make([]string, 0, len(assets))
	seen := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		uniq = append(uniq, a)
	}
	sort.Strings(uniq)

	held := make([]*sync.Mutex, 0, len(uniq))
	for _, a := range uniq {
		m := l.get(a)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
