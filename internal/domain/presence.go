package domain

import (
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// PresenceRegistry is a materialized view of the Join and Leave events applied
// so far. Participants go Offline but are never removed.
type PresenceRegistry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		participants: make(map[string]*Participant),
	}
}

// RebuildPresence replays Join and Leave events into a fresh registry.
func RebuildPresence(events iter.Seq[SessionEvent]) *PresenceRegistry {
	r := NewPresenceRegistry()
	for ev := range events {
		r.Apply(ev)
	}
	return r
}

// Apply updates the registry from a logged event; other kinds are ignored.
func (r *PresenceRegistry) Apply(ev SessionEvent) {
	switch ev.Kind {
	case KindJoin:
		p := *ev.Join
		p.Status = Online
		if p.JoinSeq == 0 {
			p.JoinSeq = ev.Seq
		}
		r.Upsert(p)
	case KindLeave:
		_ = r.MarkOffline(ev.ParticipantID)
	case KindDraw, KindChat, KindClear:
	}
}

// Upsert inserts p or refreshes its display attributes and status. A
// participant keeps the JoinSeq of its first Join.
func (r *PresenceRegistry) Upsert(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.participants[p.ID]; ok {
		if existing.JoinSeq != 0 {
			p.JoinSeq = existing.JoinSeq
		}
	}
	r.participants[p.ID] = &p
}

func (r *PresenceRegistry) MarkOffline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, id)
	}
	p.Status = Offline
	return nil
}

func (r *PresenceRegistry) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

func (r *PresenceRegistry) IsOnline(id string) bool {
	p, ok := r.Get(id)
	return ok && p.IsOnline()
}

// List returns every participant ordered by join sequence.
func (r *PresenceRegistry) List() []Participant {
	r.mu.RLock()
	out := lo.MapToSlice(r.participants, func(_ string, p *Participant) Participant {
		return *p
	})
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinSeq != out[j].JoinSeq {
			return out[i].JoinSeq < out[j].JoinSeq
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *PresenceRegistry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.CountBy(lo.Values(r.participants), func(p *Participant) bool {
		return p.IsOnline()
	})
}
