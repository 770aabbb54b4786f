package pagesync

import (
	"testing"

	"github.com/readmark/pagesync/internal/annostore"
)

// fakeStore implements annostore.AnnotationStore and records upsert
// batches with the origin they were tagged with.
type fakeStore struct {
	annotations map[string]annostore.Annotation
	rejectIDs   map[string]struct{}

	upsertBatches [][]annostore.Annotation
	upsertOrigins []annostore.Origin
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		annotations: map[string]annostore.Annotation{},
		rejectIDs:   map[string]struct{}{},
	}
}

func (s *fakeStore) AddAnnotation(a annostore.Annotation, origin annostore.Origin) bool {
	if _, rejected := s.rejectIDs[a.ID]; rejected {
		return false
	}
	if _, exists := s.annotations[a.ID]; exists {
		return false
	}
	s.annotations[a.ID] = a
	return true
}

func (s *fakeStore) BulkAddAnnotation(annotations []annostore.Annotation, replace bool, origin annostore.Origin) []annostore.Annotation {
	rejected := []annostore.Annotation{}
	for _, a := range annotations {
		if !s.AddAnnotation(a, origin) {
			rejected = append(rejected, a)
		}
	}
	return rejected
}

func (s *fakeStore) UpdateAnnotation(a annostore.Annotation, origin annostore.Origin) {
	if _, exists := s.annotations[a.ID]; exists {
		s.annotations[a.ID] = a
	}
}

func (s *fakeStore) UpdateTarget(t annostore.Target, origin annostore.Origin) {
	if existing, exists := s.annotations[t.AnnotationID]; exists {
		existing.Target = t
		s.annotations[t.AnnotationID] = existing
	}
}

func (s *fakeStore) GetAnnotation(id string) (annostore.Annotation, bool) {
	a, ok := s.annotations[id]
	return a, ok
}

func (s *fakeStore) BulkUpsertAnnotations(annotations []annostore.Annotation, origin annostore.Origin) {
	batch := append([]annostore.Annotation(nil), annotations...)
	s.upsertBatches = append(s.upsertBatches, batch)
	s.upsertOrigins = append(s.upsertOrigins, origin)
	for _, a := range annotations {
		s.annotations[a.ID] = a
	}
}

func (s *fakeStore) DeleteAnnotation(id string, origin annostore.Origin) bool {
	if _, exists := s.annotations[id]; !exists {
		return false
	}
	delete(s.annotations, id)
	return true
}

func annotationWithPages(id string, pages ...int) annostore.Annotation {
	return annostore.Annotation{
		ID:     id,
		Kind:   annostore.KindHighlight,
		Target: targetWithPages(id, pages...),
	}
}

func batchIDs(batch []annostore.Annotation) map[string]struct{} {
	ids := make(map[string]struct{}, len(batch))
	for _, a := range batch {
		ids[a.ID] = struct{}{}
	}
	return ids
}

func TestAddIndexesEveryTouchedPage(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())

	if !coord.AddAnnotation(annotationWithPages("a1", 3, 4), annostore.OriginLocal) {
		t.Fatalf("expected add to succeed")
	}

	coord.OnLazyRender(3)
	if len(store.upsertBatches) != 1 {
		t.Fatalf("expected one resync batch, got %d", len(store.upsertBatches))
	}
	if _, ok := batchIDs(store.upsertBatches[0])["a1"]; !ok {
		t.Fatalf("expected a1 in resync batch for page 3")
	}

	coord.OnLazyRender(4)
	if len(store.upsertBatches) != 2 {
		t.Fatalf("expected resync batch for page 4 too")
	}
}

func TestRejectedAddIsNotIndexed(t *testing.T) {
	store := newFakeStore()
	store.rejectIDs["dup"] = struct{}{}
	coord := NewCoordinator(store, newFakeLocator())

	if coord.AddAnnotation(annotationWithPages("dup", 2), annostore.OriginLocal) {
		t.Fatalf("expected store rejection to propagate")
	}

	coord.OnLazyRender(2)
	if len(store.upsertBatches) != 0 {
		t.Fatalf("expected no resync for unindexed rejected annotation")
	}
}

func TestBulkAddIndexesOnlyAcceptedItems(t *testing.T) {
	store := newFakeStore()
	store.rejectIDs["bad"] = struct{}{}
	coord := NewCoordinator(store, newFakeLocator())

	rejected := coord.BulkAddAnnotation([]annostore.Annotation{
		annotationWithPages("good", 5),
		annotationWithPages("bad", 5),
	}, false, annostore.OriginLocal)

	if len(rejected) != 1 || rejected[0].ID != "bad" {
		t.Fatalf("expected store's rejected list returned unchanged, got %v", rejected)
	}

	coord.OnLazyRender(5)
	if len(store.upsertBatches) != 1 {
		t.Fatalf("expected one resync batch")
	}
	ids := batchIDs(store.upsertBatches[0])
	if _, ok := ids["good"]; !ok {
		t.Fatalf("expected accepted annotation in batch")
	}
	if _, ok := ids["bad"]; ok {
		t.Fatalf("rejected annotation must not be indexed")
	}
}

func TestBulkAddWithDuplicateIDStillIndexesAcceptedCopy(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())

	// The first copy is accepted, the second rejected as a duplicate.
	// The accepted copy must still land in the index.
	rejected := coord.BulkAddAnnotation([]annostore.Annotation{
		annotationWithPages("dup", 2),
		annotationWithPages("dup", 3),
	}, false, annostore.OriginLocal)

	if len(rejected) != 1 || rejected[0].ID != "dup" {
		t.Fatalf("expected one rejected duplicate, got %v", rejected)
	}

	coord.OnLazyRender(2)
	if len(store.upsertBatches) != 1 {
		t.Fatalf("expected accepted copy indexed under page 2")
	}
	if _, ok := batchIDs(store.upsertBatches[0])["dup"]; !ok {
		t.Fatalf("expected dup in resync batch")
	}

	// Only the accepted copy was indexed; the rejected copy's page has no
	// entry.
	store.upsertBatches = nil
	coord.OnLazyRender(5)
	if len(store.upsertBatches) != 0 {
		t.Fatalf("rejected copy must not be indexed under page 3")
	}
}

func TestUpdateMovesAnnotationWithStaleWindow(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())
	coord.AddAnnotation(annotationWithPages("a1", 3), annostore.OriginLocal)

	coord.UpdateAnnotation(annotationWithPages("a1", 10), annostore.OriginLocal)

	coord.OnLazyRender(10)
	if len(store.upsertBatches) != 1 {
		t.Fatalf("expected resync at new page")
	}
	if _, ok := batchIDs(store.upsertBatches[0])["a1"]; !ok {
		t.Fatalf("expected a1 resynced at page 10")
	}

	// The entry under the old page is stale but tolerated; the batch it
	// produces still carries the store's current (page 10) target.
	coord.OnLazyRender(3)
	if len(store.upsertBatches) != 2 {
		t.Fatalf("expected stale-window resync at old page")
	}
	got := store.upsertBatches[1][0]
	pages := got.Target.Pages()
	if len(pages) != 1 || pages[0] != 10 {
		t.Fatalf("expected authoritative target from store, got pages %v", pages)
	}
}

func TestUpdateTargetPatchesOnlyIndexedEntries(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())
	coord.AddAnnotation(annotationWithPages("a1", 6), annostore.OriginLocal)

	// Target update for an annotation never indexed under page 6: no
	// insertion happens.
	store.annotations["ghost"] = annotationWithPages("ghost", 6)
	coord.UpdateTarget(targetWithPages("ghost", 6), annostore.OriginLocal)

	coord.OnLazyRender(6)
	ids := batchIDs(store.upsertBatches[0])
	if _, ok := ids["a1"]; !ok {
		t.Fatalf("expected indexed annotation in batch")
	}
	if _, ok := ids["ghost"]; ok {
		t.Fatalf("updateTarget must not insert unindexed annotations")
	}
}

func TestOnLazyRenderEmptyNeighborhoodMakesNoStoreCall(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())

	coord.OnLazyRender(5)

	if len(store.upsertBatches) != 0 {
		t.Fatalf("expected no store call for empty neighborhood")
	}
}

func TestOnLazyRenderWindowCoversNeighborsAndClampsAtZero(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())
	coord.AddAnnotation(annotationWithPages("p3", 3), annostore.OriginLocal)
	coord.AddAnnotation(annotationWithPages("p7", 7), annostore.OriginLocal)
	coord.AddAnnotation(annotationWithPages("p8", 8), annostore.OriginLocal)

	coord.OnLazyRender(5)

	if len(store.upsertBatches) != 1 {
		t.Fatalf("expected one resync batch")
	}
	ids := batchIDs(store.upsertBatches[0])
	if _, ok := ids["p3"]; !ok {
		t.Fatalf("expected page 3 annotation in window of 5")
	}
	if _, ok := ids["p7"]; !ok {
		t.Fatalf("expected page 7 annotation in window of 5")
	}
	if _, ok := ids["p8"]; ok {
		t.Fatalf("page 8 is outside the window of 5")
	}

	// Window of page 0 queries {0,1,2} only; p3 stays out.
	store.upsertBatches = nil
	coord.OnLazyRender(0)
	if len(store.upsertBatches) != 0 {
		t.Fatalf("expected no batch for pages {0,1,2}")
	}
}

func TestOnLazyRenderDropsDeletedAndUsesRemoteOrigin(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())
	coord.AddAnnotation(annotationWithPages("keep", 4), annostore.OriginLocal)
	coord.AddAnnotation(annotationWithPages("gone", 4), annostore.OriginLocal)

	// Removed behind the coordinator's back; resync must consult the
	// store and drop it.
	delete(store.annotations, "gone")

	coord.OnLazyRender(4)

	if len(store.upsertBatches) != 1 {
		t.Fatalf("expected one resync batch")
	}
	ids := batchIDs(store.upsertBatches[0])
	if _, ok := ids["gone"]; ok {
		t.Fatalf("expected not-found annotation dropped from batch")
	}
	if _, ok := ids["keep"]; !ok {
		t.Fatalf("expected surviving annotation in batch")
	}
	if store.upsertOrigins[0] != annostore.OriginRemote {
		t.Fatalf("resync must be tagged with remote origin, got %q", store.upsertOrigins[0])
	}
}

func TestDeleteEvictsFromIndex(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())
	coord.AddAnnotation(annotationWithPages("a1", 2, 3), annostore.OriginLocal)

	if !coord.DeleteAnnotation("a1", annostore.OriginLocal) {
		t.Fatalf("expected delete to succeed")
	}

	coord.OnLazyRender(2)
	coord.OnLazyRender(3)
	if len(store.upsertBatches) != 0 {
		t.Fatalf("expected no resync after eviction")
	}
	if len(coord.IndexedPages()) != 0 {
		t.Fatalf("expected empty index after delete, got %v", coord.IndexedPages())
	}
}

func TestRebuildIndexReplacesStaleEntries(t *testing.T) {
	store := newFakeStore()
	coord := NewCoordinator(store, newFakeLocator())
	coord.AddAnnotation(annotationWithPages("old", 2), annostore.OriginLocal)

	fresh := annotationWithPages("new", 9)
	store.annotations = map[string]annostore.Annotation{"new": fresh}
	coord.RebuildIndex([]annostore.Annotation{fresh})

	coord.OnLazyRender(2)
	if len(store.upsertBatches) != 0 {
		t.Fatalf("expected old entry gone after rebuild")
	}
	coord.OnLazyRender(9)
	if len(store.upsertBatches) != 1 {
		t.Fatalf("expected rebuilt entry resynced")
	}
}

func TestResyncRevivesAgainstCurrentView(t *testing.T) {
	store := newFakeStore()
	locator := newFakeLocator()
	coord := NewCoordinator(store, locator)
	coord.AddAnnotation(annotationWithPages("a1", 5), annostore.OriginLocal)

	// Page 5 becomes rendered before the resync fires.
	locator.elements[5] = &fakeElement{page: 5, connected: true}
	coord.OnLazyRender(5)

	batch := store.upsertBatches[0]
	if batch[0].Target.Selectors[0].Element == nil {
		t.Fatalf("expected resynced annotation revived against the new element")
	}
}
