package domain

import (
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"
)

// EventLog is the append-only, gap-free record of one session. Sequence
// numbers start at 1. Reads may run concurrently with appends.
type EventLog struct {
	mu        sync.RWMutex
	events    []SessionEvent
	lastClear uint64
	now       func() time.Time
}

func NewEventLog() *EventLog {
	return &EventLog{
		events: make([]SessionEvent, 0, 256),
		now:    time.Now,
	}
}

// Next is the sequence number the next append will receive.
func (l *EventLog) Next() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events)) + 1
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// LastClearSeq returns the sequence number of the most recent Clear, or 0.
func (l *EventLog) LastClearSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastClear
}

// ReplayFrom is where a joining participant starts replaying.
func (l *EventLog) ReplayFrom() uint64 {
	if c := l.LastClearSeq(); c > 0 {
		return c
	}
	return 1
}

func (l *EventLog) Append(ev SessionEvent) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(uint64(len(l.events))+1, ev)
}

// AppendAt appends ev only if expected is the next sequence number.
func (l *EventLog) AppendAt(expected uint64, ev SessionEvent) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := uint64(len(l.events)) + 1
	if expected != next {
		return 0, fmt.Errorf("%w: expected %d, log is at %d", ErrSequenceConflict, expected, next)
	}
	return l.appendLocked(next, ev)
}

func (l *EventLog) appendLocked(seq uint64, ev SessionEvent) (uint64, error) {
	if err := ev.CheckShape(); err != nil {
		return 0, err
	}
	if ev.Seq != 0 && ev.Seq != seq {
		return 0, fmt.Errorf("%w: event carries seq %d, next is %d", ErrSequenceConflict, ev.Seq, seq)
	}

	ev.Seq = seq
	if ev.At.IsZero() {
		ev.At = l.now()
	}

	l.events = append(l.events, ev)
	if ev.Kind == KindClear {
		l.lastClear = seq
	}
	return seq, nil
}

// Get returns the event with the given sequence number.
func (l *EventLog) Get(seq uint64) (SessionEvent, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.events)) {
		return SessionEvent{}, false
	}
	return l.events[seq-1], true
}

// SnapshotSince yields every event with Seq >= seq in order. The visible prefix
// is fixed when SnapshotSince is called; events appended later are not
// yielded, and ranging over the result again yields the same events.
func (l *EventLog) SnapshotSince(seq uint64) iter.Seq[SessionEvent] {
	l.mu.RLock()
	// Appends never modify existing elements, so the captured slice header
	// stays valid after the lock is released.
	prefix := l.events[:len(l.events):len(l.events)]
	l.mu.RUnlock()

	if seq == 0 {
		seq = 1
	}

	return func(yield func(SessionEvent) bool) {
		for i := seq - 1; i < uint64(len(prefix)); i++ {
			if !yield(prefix[i]) {
				return
			}
		}
	}
}

// ReplaySince is SnapshotSince(from) preceded by the Joins a reader needs
// before it: the latest Join before from of every participant who is still
// online or authors an event in the replayed range, unless that participant
// left again before from. Joins at or below seen are omitted. The set is
// fixed when ReplaySince is called.
func (l *EventLog) ReplaySince(from, seen uint64, online func(id string) bool) iter.Seq[SessionEvent] {
	if from == 0 {
		from = 1
	}

	l.mu.RLock()
	prefix := l.events[:len(l.events):len(l.events)]
	l.mu.RUnlock()

	authors := make(map[string]struct{})
	for i := from - 1; i < uint64(len(prefix)); i++ {
		if id := prefix[i].ParticipantID; id != "" {
			authors[id] = struct{}{}
		}
	}

	var joins []SessionEvent
	decided := make(map[string]struct{})
	for i := min(from-1, uint64(len(prefix))); i > 0; i-- {
		ev := prefix[i-1]
		if ev.Kind != KindJoin && ev.Kind != KindLeave {
			continue
		}
		if _, ok := decided[ev.ParticipantID]; ok {
			continue
		}
		decided[ev.ParticipantID] = struct{}{}

		if ev.Kind != KindJoin || ev.Seq <= seen {
			continue
		}
		_, authored := authors[ev.ParticipantID]
		if authored || (online != nil && online(ev.ParticipantID)) {
			joins = append(joins, ev)
		}
	}
	slices.Reverse(joins)

	return func(yield func(SessionEvent) bool) {
		for _, ev := range joins {
			if !yield(ev) {
				return
			}
		}
		for i := from - 1; i < uint64(len(prefix)); i++ {
			if !yield(prefix[i]) {
				return
			}
		}
	}
}
