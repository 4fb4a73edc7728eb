package notify

import "sync/atomic"

// Settings are the switches an operator may flip at runtime.
type Settings struct {
	EmailNotificationsEnabled bool
	NotifyStatusChanges       bool
}

// Gate holds the current Settings snapshot. Readers never block writers.
type Gate struct {
	current atomic.Pointer[Settings]
}

func NewGate(initial Settings) *Gate {
	g := &Gate{}
	g.Store(initial)
	return g
}

func (g *Gate) Store(s Settings) {
	g.current.Store(&s)
}

func (g *Gate) Load() Settings {
	if s := g.current.Load(); s != nil {
		return *s
	}
	return Settings{}
}
