package store

import (
	"context"
	"sort"
	"sync"

	"github.com/synod-labs/synod/pkg/contracts"
)

// MemoryStore mirrors the SQL backends' semantics in process memory.
// Tests and throwaway conclaves use it; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*contracts.Event
	byActor  map[string][]*contracts.Event          // sequence order
	byToken  map[string]map[string]*contracts.Event // actor -> token -> event
	byParent map[string]map[string]string           // actor -> prev_hash -> event id
	halts    map[string]contracts.HaltState
}

// NewMemory creates an empty in-process store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*contracts.Event),
		byActor:  make(map[string][]*contracts.Event),
		byToken:  make(map[string]map[string]*contracts.Event),
		byParent: make(map[string]map[string]string),
		halts:    make(map[string]contracts.HaltState),
	}
}

func (s *MemoryStore) Insert(_ context.Context, e *contracts.Event) error {
	if err := validateInsert(e); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if tokens, ok := s.byToken[e.ActorID]; ok {
		if _, dup := tokens[e.ClientToken]; dup {
			return ErrDuplicateToken
		}
	}
	if parents, ok := s.byParent[e.ActorID]; ok {
		if _, dup := parents[e.PrevHash]; dup {
			return ErrDuplicateParent
		}
	}

	cp := cloneEvent(e)
	s.byID[cp.EventID] = cp
	s.byActor[cp.ActorID] = append(s.byActor[cp.ActorID], cp)
	if s.byToken[cp.ActorID] == nil {
		s.byToken[cp.ActorID] = make(map[string]*contracts.Event)
	}
	s.byToken[cp.ActorID][cp.ClientToken] = cp
	if s.byParent[cp.ActorID] == nil {
		s.byParent[cp.ActorID] = make(map[string]string)
	}
	s.byParent[cp.ActorID][cp.PrevHash] = cp.EventID
	return nil
}

func (s *MemoryStore) AttachWitness(_ context.Context, eventID string, w contracts.WitnessSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[eventID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range e.Witnesses {
		if existing.WitnessID == w.WitnessID {
			return nil
		}
	}
	e.Witnesses = append(e.Witnesses, w)
	return nil
}

func (s *MemoryStore) Tip(_ context.Context, actorID string) (Tip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.byActor[actorID]
	if len(chain) == 0 {
		return emptyTip(actorID), nil
	}
	last := chain[len(chain)-1]
	return Tip{
		ActorID:   actorID,
		PrevHash:  last.ChainHash,
		Sequence:  last.Sequence,
		Timestamp: last.Timestamp,
	}, nil
}

func (s *MemoryStore) ByID(_ context.Context, eventID string) (*contracts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(e), nil
}

func (s *MemoryStore) ByToken(_ context.Context, actorID, clientToken string) (*contracts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byToken[actorID][clientToken]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEvent(e), nil
}

func (s *MemoryStore) Chain(_ context.Context, actorID string) ([]*contracts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneEvents(s.byActor[actorID]), nil
}

func (s *MemoryStore) CycleEvents(_ context.Context, cycleID string) ([]*contracts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*contracts.Event
	for _, e := range s.byID {
		if e.CycleID == cycleID {
			events = append(events, cloneEvent(e))
		}
	}
	sortEvents(events)
	return events, nil
}

func (s *MemoryStore) All(_ context.Context) ([]*contracts.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*contracts.Event, 0, len(s.byID))
	for _, e := range s.byID {
		events = append(events, cloneEvent(e))
	}
	sortEvents(events)
	return events, nil
}

func (s *MemoryStore) SetHalt(_ context.Context, scope string, h contracts.HaltState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.Scope = scope
	s.halts[scope] = h
	return nil
}

func (s *MemoryStore) GetHalt(_ context.Context, scope string) (contracts.HaltState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.halts[scope]
	if !ok {
		return contracts.HaltState{Scope: scope}, nil
	}
	return h, nil
}

func (s *MemoryStore) Halts(_ context.Context) ([]contracts.HaltState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]contracts.HaltState, 0, len(s.halts))
	for _, h := range s.halts {
		rows = append(rows, h)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Scope < rows[j].Scope })
	return rows, nil
}

func (s *MemoryStore) Close() error { return nil }

// sortEvents orders by timestamp, then actor, then sequence, matching
// the SQL backends' total order.
func sortEvents(events []*contracts.Event) {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		if events[i].ActorID != events[j].ActorID {
			return events[i].ActorID < events[j].ActorID
		}
		return events[i].Sequence < events[j].Sequence
	})
}

func cloneEvent(e *contracts.Event) *contracts.Event {
	cp := *e
	if e.Witnesses != nil {
		cp.Witnesses = append([]contracts.WitnessSignature(nil), e.Witnesses...)
	}
	if e.Body != nil {
		cp.Body = append([]byte(nil), e.Body...)
	}
	return &cp
}

func cloneEvents(events []*contracts.Event) []*contracts.Event {
	out := make([]*contracts.Event, len(events))
	for i, e := range events {
		out[i] = cloneEvent(e)
	}
	return out
}
