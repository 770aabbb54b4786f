package annostore

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func intPtr(v int) *int { return &v }

func annotation(id, documentID string, pages ...int) Annotation {
	target := Target{AnnotationID: id}
	for _, p := range pages {
		target.Selectors = append(target.Selectors, Selector{Page: intPtr(p)})
	}
	return Annotation{
		ID:         id,
		DocumentID: documentID,
		Kind:       KindHighlight,
		Quote:      "quoted text",
		Target:     target,
	}
}

func TestAddAnnotationRejectsDuplicates(t *testing.T) {
	store := NewStore()
	defer store.Close()

	if !store.AddAnnotation(annotation("a1", "doc", 1), OriginLocal) {
		t.Fatalf("expected first add to succeed")
	}
	if store.AddAnnotation(annotation("a1", "doc", 2), OriginLocal) {
		t.Fatalf("expected duplicate id to be rejected")
	}
	if store.AddAnnotation(Annotation{}, OriginLocal) {
		t.Fatalf("expected empty id to be rejected")
	}

	got, ok := store.GetAnnotation("a1")
	if !ok {
		t.Fatalf("expected annotation stored")
	}
	if got.Revision == "" || got.CreatedAt == "" {
		t.Fatalf("expected revision and timestamps assigned, got %+v", got)
	}
	if pages := got.Target.Pages(); len(pages) != 1 || pages[0] != 1 {
		t.Fatalf("duplicate add must not overwrite, got pages %v", pages)
	}
}

func TestBulkAddReturnsRejectedAndReplaceClearsDocument(t *testing.T) {
	store := NewStore()
	defer store.Close()
	store.AddAnnotation(annotation("old", "doc", 1), OriginLocal)
	store.AddAnnotation(annotation("other", "doc2", 1), OriginLocal)

	rejected := store.BulkAddAnnotation([]Annotation{
		annotation("n1", "doc", 2),
		annotation("n1", "doc", 3),
		annotation("n2", "doc", 4),
	}, true, OriginLocal)

	if len(rejected) != 1 || rejected[0].ID != "n1" {
		t.Fatalf("expected second n1 rejected, got %v", rejected)
	}
	if _, ok := store.GetAnnotation("old"); ok {
		t.Fatalf("expected replace to drop prior annotations for the document")
	}
	if _, ok := store.GetAnnotation("other"); !ok {
		t.Fatalf("replace must not touch other documents")
	}
	if len(store.ListAnnotations("doc")) != 2 {
		t.Fatalf("expected n1 and n2 stored")
	}
}

func TestUpdateAnnotationBumpsRevisionAndKeepsCreatedAt(t *testing.T) {
	store := NewStore()
	defer store.Close()
	store.AddAnnotation(annotation("a1", "doc", 1), OriginLocal)
	before, _ := store.GetAnnotation("a1")

	updated := annotation("a1", "doc", 5)
	updated.Comment = "moved"
	store.UpdateAnnotation(updated, OriginLocal)

	after, _ := store.GetAnnotation("a1")
	if after.Revision == before.Revision {
		t.Fatalf("expected revision bump")
	}
	if after.CreatedAt != before.CreatedAt {
		t.Fatalf("expected createdAt preserved")
	}
	if after.Comment != "moved" {
		t.Fatalf("expected update applied")
	}

	// Unknown id is a no-op, not an insert.
	store.UpdateAnnotation(annotation("ghost", "doc", 1), OriginLocal)
	if _, ok := store.GetAnnotation("ghost"); ok {
		t.Fatalf("update must not insert")
	}
}

func TestUpdateTargetReplacesOnlyTarget(t *testing.T) {
	store := NewStore()
	defer store.Close()
	original := annotation("a1", "doc", 1)
	original.Comment = "keep me"
	store.AddAnnotation(original, OriginLocal)

	store.UpdateTarget(Target{
		AnnotationID: "a1",
		Selectors:    []Selector{{Page: intPtr(8)}},
	}, OriginLocal)

	got, _ := store.GetAnnotation("a1")
	if got.Comment != "keep me" {
		t.Fatalf("target update must not touch other fields")
	}
	if pages := got.Target.Pages(); len(pages) != 1 || pages[0] != 8 {
		t.Fatalf("expected target replaced, got pages %v", pages)
	}
}

func TestBulkUpsertInsertsAndReplaces(t *testing.T) {
	store := NewStore()
	defer store.Close()
	store.AddAnnotation(annotation("a1", "doc", 1), OriginLocal)

	store.BulkUpsertAnnotations([]Annotation{
		annotation("a1", "doc", 9),
		annotation("a2", "doc", 2),
	}, OriginRemote)

	a1, _ := store.GetAnnotation("a1")
	if pages := a1.Target.Pages(); len(pages) != 1 || pages[0] != 9 {
		t.Fatalf("expected a1 replaced, got pages %v", pages)
	}
	if _, ok := store.GetAnnotation("a2"); !ok {
		t.Fatalf("expected a2 inserted")
	}

	feed, err := store.GetEvents("doc", "", 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	last := feed.Events[len(feed.Events)-1]
	if last.Type != EventAnnotationUpserted || last.Origin != OriginRemote {
		t.Fatalf("expected remote-origin upsert event, got %+v", last)
	}
}

func TestDeleteAnnotation(t *testing.T) {
	store := NewStore()
	defer store.Close()
	store.AddAnnotation(annotation("a1", "doc", 1), OriginLocal)

	if !store.DeleteAnnotation("a1", OriginLocal) {
		t.Fatalf("expected delete to succeed")
	}
	if store.DeleteAnnotation("a1", OriginLocal) {
		t.Fatalf("expected second delete to report not found")
	}
	if _, ok := store.GetAnnotation("a1"); ok {
		t.Fatalf("expected annotation gone")
	}
}

func TestGetEventsPaginatesWithCursor(t *testing.T) {
	store := NewStore()
	defer store.Close()
	for _, id := range []string{"a1", "a2", "a3"} {
		store.AddAnnotation(annotation(id, "doc", 1), OriginLocal)
	}

	first, err := store.GetEvents("doc", "", 2)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(first.Events) != 2 || first.NextCursor == nil {
		t.Fatalf("expected 2 events and a cursor, got %d", len(first.Events))
	}

	rest, err := store.GetEvents("doc", *first.NextCursor, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(rest.Events) != 1 || rest.NextCursor != nil {
		t.Fatalf("expected final page with 1 event, got %d", len(rest.Events))
	}
	if rest.Events[0].AnnotationID != "a3" {
		t.Fatalf("expected a3 last, got %s", rest.Events[0].AnnotationID)
	}
}

func TestSubscribeDeliversOriginTaggedEvents(t *testing.T) {
	store := NewStore()
	defer store.Close()
	ch, cancel := store.Subscribe()
	defer cancel()

	store.AddAnnotation(annotation("a1", "doc", 1), OriginLocal)
	store.BulkUpsertAnnotations([]Annotation{annotation("a2", "doc", 2)}, OriginRemote)

	created := <-ch
	if created.Type != EventAnnotationCreated || created.Origin != OriginLocal {
		t.Fatalf("expected local created event, got %+v", created)
	}
	upserted := <-ch
	if upserted.Type != EventAnnotationUpserted || upserted.Origin != OriginRemote {
		t.Fatalf("expected remote upsert event, got %+v", upserted)
	}
}

func TestOnChangeListenersRunPerMutation(t *testing.T) {
	store := NewStore()
	defer store.Close()

	var first []Event
	store.OnChange(func(event Event) { first = append(first, event) })

	store.AddAnnotation(annotation("a1", "doc", 1), OriginLocal)

	var second []Event
	store.OnChange(func(event Event) { second = append(second, event) })
	store.OnChange(nil)

	store.DeleteAnnotation("a1", OriginRemote)

	if len(first) != 2 {
		t.Fatalf("expected first listener to see both events, got %d", len(first))
	}
	if first[0].Type != EventAnnotationCreated || first[1].Type != EventAnnotationDeleted {
		t.Fatalf("unexpected event types: %s, %s", first[0].Type, first[1].Type)
	}
	if len(second) != 1 || second[0].Type != EventAnnotationDeleted {
		t.Fatalf("expected late listener to see only the delete, got %+v", second)
	}
	if second[0].Origin != OriginRemote {
		t.Fatalf("origin = %q, want remote", second[0].Origin)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")

	store := NewStoreWithOptions(StoreOptions{StateFile: stateFile})
	want := annotation("a1", "doc", 3, 4)
	store.AddAnnotation(want, OriginLocal)
	stored, _ := store.GetAnnotation("a1")
	store.Close()

	reopened := NewStoreWithOptions(StoreOptions{StateFile: stateFile})
	defer reopened.Close()
	got, ok := reopened.GetAnnotation("a1")
	if !ok {
		t.Fatalf("expected annotation after restart")
	}
	if diff := cmp.Diff(stored, got, cmpopts.IgnoreFields(Selector{}, "Element")); diff != "" {
		t.Fatalf("loaded annotation differs: %s", diff)
	}

	// Counters resume; a fresh mutation must not reuse a revision.
	reopened.AddAnnotation(annotation("a2", "doc", 1), OriginLocal)
	a2, _ := reopened.GetAnnotation("a2")
	if a2.Revision == stored.Revision {
		t.Fatalf("expected revision counter to resume, both got %s", a2.Revision)
	}
}

func TestReloadFromBackendIgnoresOwnWrites(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	defer store.Close()
	store.AddAnnotation(annotation("a1", "doc", 1), OriginLocal)

	ch, cancel := store.Subscribe()
	defer cancel()

	// Nothing external changed the backend; no reload event expected.
	if err := store.ReloadFromBackend(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after no-op reload: %+v", ev)
	default:
	}
}

func TestReloadFromBackendAppliesExternalState(t *testing.T) {
	backend := NewInMemoryStateBackend()
	store := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	defer store.Close()
	store.AddAnnotation(annotation("a1", "doc", 1), OriginLocal)

	// Another writer replaces the snapshot.
	external := NewStoreWithOptions(StoreOptions{StateBackend: NewInMemoryStateBackend()})
	external.AddAnnotation(annotation("remote", "doc", 7), OriginLocal)
	external.mu.RLock()
	snapshot := external.snapshotLocked()
	external.mu.RUnlock()
	external.Close()
	if err := backend.Save(snapshot); err != nil {
		t.Fatalf("save external snapshot: %v", err)
	}

	ch, cancel := store.Subscribe()
	defer cancel()
	if err := store.ReloadFromBackend(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if _, ok := store.GetAnnotation("remote"); !ok {
		t.Fatalf("expected external annotation after reload")
	}
	if _, ok := store.GetAnnotation("a1"); ok {
		t.Fatalf("expected reload to replace prior state")
	}
	ev := <-ch
	if ev.Type != EventStoreReloaded || ev.Origin != OriginRemote {
		t.Fatalf("expected remote reload event, got %+v", ev)
	}
}
