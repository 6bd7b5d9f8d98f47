package session

import "sync/atomic"

// Generation identifies the current identity epoch. Every identity change
// advances it; work started under an older value is stale.
type Generation struct {
	v atomic.Uint64
}

// Next advances the generation and returns the new value.
func (g *Generation) Next() uint64 {
	return g.v.Add(1)
}

func (g *Generation) Current() uint64 {
	return g.v.Load()
}

// IsCurrent reports whether v is still the active generation.
func (g *Generation) IsCurrent(v uint64) bool {
	return g.v.Load() == v
}
