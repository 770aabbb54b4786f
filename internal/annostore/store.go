// Package annostore implements the generic annotation store: an id-keyed
// collection of annotations with origin-tagged mutations, an append-only
// change-event feed, and pluggable snapshot persistence.
package annostore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type StoreOptions struct {
	StateBackend StateBackend
	// StateFile is a convenience for a JSON file backend when StateBackend
	// is nil.
	StateFile string
	// WatchStateFile enables the snapshot watcher on StateFile. External
	// rewrites of the file reload the store and surface as remote-origin
	// events.
	WatchStateFile bool
	// MaxStoredEvents caps the in-memory event log; oldest entries are
	// dropped first. Defaults to 10000.
	MaxStoredEvents int
}

type persistedState struct {
	RevCounter   uint64                `json:"revCounter"`
	EventCounter uint64                `json:"eventCounter"`
	Annotations  map[string]Annotation `json:"annotations"`
	Events       []Event               `json:"events"`
}

type Store struct {
	mu              sync.RWMutex
	annotations     map[string]Annotation
	events          []Event
	revCounter      uint64
	eventCounter    uint64
	stateBackend    StateBackend
	maxStoredEvents int
	lastSavedHash   string

	subMu     sync.Mutex
	subs      map[uint64]chan Event
	subSeq    uint64
	listeners []func(Event)

	watcher   *snapshotWatcher
	closeOnce sync.Once
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxStoredEvents := opts.MaxStoredEvents
	if maxStoredEvents <= 0 {
		maxStoredEvents = 10000
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && opts.StateFile != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &Store{
		annotations:     map[string]Annotation{},
		stateBackend:    stateBackend,
		maxStoredEvents: maxStoredEvents,
		subs:            map[uint64]chan Event{},
	}
	if err := s.loadFromBackend(); err != nil {
		log.Printf("annostore: failed to load state: %v", err)
	}
	if opts.WatchStateFile && opts.StateFile != "" {
		watcher, err := newSnapshotWatcher(s, opts.StateFile)
		if err != nil {
			log.Printf("annostore: state watcher disabled: %v", err)
		} else {
			s.watcher = watcher
		}
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.close()
		}
		s.subMu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
		if closer, ok := s.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

// AddAnnotation stores a new annotation. It returns false when the id is
// empty or already taken; duplicate ids are the store's to reject, not the
// caller's to guess about.
func (s *Store) AddAnnotation(a Annotation, origin Origin) bool {
	if a.ID == "" {
		return false
	}
	s.mu.Lock()
	if _, exists := s.annotations[a.ID]; exists {
		s.mu.Unlock()
		return false
	}
	event := s.insertLocked(a, EventAnnotationCreated, origin)
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notify(event)
	return true
}

// BulkAddAnnotation stores a batch, deciding acceptance per item, and
// returns the rejected annotations. With replace set, all existing
// annotations for the incoming documents are dropped first.
func (s *Store) BulkAddAnnotation(annotations []Annotation, replace bool, origin Origin) []Annotation {
	s.mu.Lock()
	var pending []Event
	if replace {
		docs := map[string]struct{}{}
		for _, a := range annotations {
			if a.DocumentID != "" {
				docs[a.DocumentID] = struct{}{}
			}
		}
		for id, existing := range s.annotations {
			if _, ok := docs[existing.DocumentID]; ok {
				delete(s.annotations, id)
				pending = append(pending, s.appendEventLocked(existing, EventAnnotationDeleted, origin))
			}
		}
	}
	rejected := []Annotation{}
	for _, a := range annotations {
		if a.ID == "" {
			rejected = append(rejected, a)
			continue
		}
		if _, exists := s.annotations[a.ID]; exists {
			rejected = append(rejected, a)
			continue
		}
		pending = append(pending, s.insertLocked(a, EventAnnotationCreated, origin))
	}
	_ = s.saveLocked()
	s.mu.Unlock()
	for _, event := range pending {
		s.notify(event)
	}
	return rejected
}

// UpdateAnnotation replaces the stored annotation with the same id. An
// unknown id is a no-op.
func (s *Store) UpdateAnnotation(a Annotation, origin Origin) {
	s.mu.Lock()
	existing, exists := s.annotations[a.ID]
	if !exists {
		s.mu.Unlock()
		return
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = nowTimestamp()
	a.Revision = s.nextRevisionLocked()
	s.annotations[a.ID] = a
	event := s.appendEventLocked(a, EventAnnotationUpdated, origin)
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notify(event)
}

// UpdateTarget replaces only the target of the owning annotation. An
// unknown owning id is a no-op.
func (s *Store) UpdateTarget(t Target, origin Origin) {
	s.mu.Lock()
	existing, exists := s.annotations[t.AnnotationID]
	if !exists {
		s.mu.Unlock()
		return
	}
	existing.Target = t
	existing.UpdatedAt = nowTimestamp()
	existing.Revision = s.nextRevisionLocked()
	s.annotations[t.AnnotationID] = existing
	event := s.appendEventLocked(existing, EventAnnotationTargetUpdated, origin)
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notify(event)
}

func (s *Store) GetAnnotation(id string) (Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.annotations[id]
	return a, ok
}

// BulkUpsertAnnotations inserts or replaces each annotation in one batch.
// Resynchronization paths call this with OriginRemote so listeners do not
// mistake the reapplied state for new local edits.
func (s *Store) BulkUpsertAnnotations(annotations []Annotation, origin Origin) {
	if len(annotations) == 0 {
		return
	}
	s.mu.Lock()
	pending := make([]Event, 0, len(annotations))
	for _, a := range annotations {
		if a.ID == "" {
			continue
		}
		if existing, exists := s.annotations[a.ID]; exists {
			a.CreatedAt = existing.CreatedAt
		} else if a.CreatedAt == "" {
			a.CreatedAt = nowTimestamp()
		}
		a.UpdatedAt = nowTimestamp()
		a.Revision = s.nextRevisionLocked()
		s.annotations[a.ID] = a
		pending = append(pending, s.appendEventLocked(a, EventAnnotationUpserted, origin))
	}
	_ = s.saveLocked()
	s.mu.Unlock()
	for _, event := range pending {
		s.notify(event)
	}
}

func (s *Store) DeleteAnnotation(id string, origin Origin) bool {
	s.mu.Lock()
	existing, exists := s.annotations[id]
	if !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.annotations, id)
	event := s.appendEventLocked(existing, EventAnnotationDeleted, origin)
	_ = s.saveLocked()
	s.mu.Unlock()
	s.notify(event)
	return true
}

// ListAnnotations returns annotations for a document, or every annotation
// when documentID is empty, ordered by id.
func (s *Store) ListAnnotations(documentID string) []Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Annotation, 0, len(s.annotations))
	for _, a := range s.annotations {
		if documentID != "" && a.DocumentID != documentID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetEvents pages through the event feed from a cursor, optionally
// filtered by document.
func (s *Store) GetEvents(documentID, cursor string, limit int) (EventFeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 200
	}
	events := s.events
	if documentID != "" {
		filtered := make([]Event, 0, len(s.events))
		for _, event := range s.events {
			if event.DocumentID == documentID {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}
	start := 0
	if cursor != "" {
		for i := range events {
			if events[i].EventID == cursor {
				start = i + 1
				break
			}
		}
	}
	if start >= len(events) {
		return EventFeed{Events: []Event{}, NextCursor: nil}, nil
	}
	end := start + limit
	if end > len(events) {
		end = len(events)
	}
	chunk := append([]Event(nil), events[start:end]...)
	var nextCursor *string
	if end < len(events) {
		next := events[end-1].EventID
		nextCursor = &next
	}
	return EventFeed{Events: chunk, NextCursor: nextCursor}, nil
}

// BackendStatus describes the persistence backend behind a store,
// for the admin surface.
type BackendStatus struct {
	Backend     string `json:"backend"`
	Annotations int    `json:"annotations"`
	Events      int    `json:"events"`
}

func (s *Store) BackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kind := "none"
	switch s.stateBackend.(type) {
	case nil:
	case *JSONFileStateBackend:
		kind = "file"
	case *InMemoryStateBackend:
		kind = "memory"
	case *PostgresStateBackend:
		kind = "postgres"
	default:
		kind = "custom"
	}
	return BackendStatus{
		Backend:     kind,
		Annotations: len(s.annotations),
		Events:      len(s.events),
	}
}

// Subscribe returns a channel of change events and a cancel function.
// Delivery is best effort: a subscriber that falls behind loses events.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subSeq++
	id := s.subSeq
	ch := make(chan Event, 64)
	s.subs[id] = ch
	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// OnChange registers a synchronous change listener. Listeners run after
// the mutation completes and outside the store lock.
func (s *Store) OnChange(fn func(Event)) {
	if fn == nil {
		return
	}
	s.subMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.subMu.Unlock()
}

func (s *Store) notify(event Event) {
	s.subMu.Lock()
	listeners := append([]func(Event){}, s.listeners...)
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
	s.subMu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

func (s *Store) insertLocked(a Annotation, eventType string, origin Origin) Event {
	now := nowTimestamp()
	if a.CreatedAt == "" {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Revision = s.nextRevisionLocked()
	s.annotations[a.ID] = a
	return s.appendEventLocked(a, eventType, origin)
}

func (s *Store) appendEventLocked(a Annotation, eventType string, origin Origin) Event {
	s.eventCounter++
	event := Event{
		EventID:      fmt.Sprintf("evt-%d", s.eventCounter),
		Type:         eventType,
		DocumentID:   a.DocumentID,
		AnnotationID: a.ID,
		Revision:     a.Revision,
		Origin:       origin,
		Timestamp:    nowTimestamp(),
	}
	s.events = append(s.events, event)
	if len(s.events) > s.maxStoredEvents {
		s.events = append([]Event(nil), s.events[len(s.events)-s.maxStoredEvents:]...)
	}
	return event
}

func (s *Store) nextRevisionLocked() string {
	s.revCounter++
	return "rev-" + strconv.FormatUint(s.revCounter, 10)
}

func (s *Store) snapshotLocked() *persistedState {
	annotations := make(map[string]Annotation, len(s.annotations))
	for id, a := range s.annotations {
		annotations[id] = a
	}
	return &persistedState{
		RevCounter:   s.revCounter,
		EventCounter: s.eventCounter,
		Annotations:  annotations,
		Events:       append([]Event(nil), s.events...),
	}
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot := s.snapshotLocked()
	if data, err := json.Marshal(snapshot); err == nil {
		sum := sha256.Sum256(data)
		s.lastSavedHash = hex.EncodeToString(sum[:])
	}
	return s.stateBackend.Save(snapshot)
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applySnapshotLocked(snapshot)
	return nil
}

func (s *Store) applySnapshotLocked(snapshot *persistedState) {
	s.revCounter = snapshot.RevCounter
	s.eventCounter = snapshot.EventCounter
	s.annotations = map[string]Annotation{}
	for id, a := range snapshot.Annotations {
		// Element references are view state; a snapshot never carries one.
		s.annotations[id] = a
	}
	s.events = append([]Event(nil), snapshot.Events...)
	if data, err := json.Marshal(snapshot); err == nil {
		sum := sha256.Sum256(data)
		s.lastSavedHash = hex.EncodeToString(sum[:])
	}
}

// ReloadFromBackend re-reads the snapshot and, if it differs from the last
// state this store wrote, replaces in-memory state and emits a
// remote-origin reload event. The watcher calls this on file changes; it
// is also safe to call directly.
func (s *Store) ReloadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	if hash == s.lastSavedHash {
		s.mu.Unlock()
		return nil
	}
	s.applySnapshotLocked(snapshot)
	event := Event{
		EventID:   fmt.Sprintf("evt-reload-%d", time.Now().UnixNano()),
		Type:      EventStoreReloaded,
		Origin:    OriginRemote,
		Timestamp: nowTimestamp(),
	}
	s.mu.Unlock()
	s.notify(event)
	return nil
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
