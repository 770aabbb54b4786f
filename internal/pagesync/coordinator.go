package pagesync

import (
	"sync"

	"github.com/readmark/pagesync/internal/annostore"
	"github.com/readmark/pagesync/internal/docview"
)

// DefaultResyncWindow is the number of neighbor pages on each side of a
// freshly rendered page whose annotations are resynced along with it.
// Virtualized renderers keep a small scroll buffer rendered; two pages
// each way covers the typical buffer without resyncing the whole
// document.
const DefaultResyncWindow = 2

type CoordinatorOptions struct {
	// ResyncWindow overrides DefaultResyncWindow when positive.
	ResyncWindow int
}

// Coordinator decorates an AnnotationStore: every mutation passes through
// target revival and page-index bookkeeping on its way to the wrapped
// store, and OnLazyRender pushes the indexed annotations for a page
// neighborhood back into the store when the renderer materializes a page.
// Coordinator implements annostore.AnnotationStore itself, so callers use
// it exactly like the store it wraps.
type Coordinator struct {
	store   annostore.AnnotationStore
	locator docview.Locator
	window  int

	mu    sync.Mutex
	index *pageIndex
}

func NewCoordinator(store annostore.AnnotationStore, locator docview.Locator) *Coordinator {
	return NewCoordinatorWithOptions(store, locator, CoordinatorOptions{})
}

func NewCoordinatorWithOptions(store annostore.AnnotationStore, locator docview.Locator, opts CoordinatorOptions) *Coordinator {
	window := opts.ResyncWindow
	if window <= 0 {
		window = DefaultResyncWindow
	}
	return &Coordinator{
		store:   store,
		locator: locator,
		window:  window,
		index:   newPageIndex(),
	}
}

func (c *Coordinator) AddAnnotation(a annostore.Annotation, origin annostore.Origin) bool {
	revived := ReviveAnnotation(a, c.locator)
	ok := c.store.AddAnnotation(revived, origin)
	if ok {
		c.mu.Lock()
		c.index.record(revived)
		c.mu.Unlock()
	}
	return ok
}

// BulkAddAnnotation forwards the batch and indexes only the annotations
// the store accepted; the store's rejected list is returned unchanged.
func (c *Coordinator) BulkAddAnnotation(annotations []annostore.Annotation, replace bool, origin annostore.Origin) []annostore.Annotation {
	revived := make([]annostore.Annotation, len(annotations))
	for i, a := range annotations {
		revived[i] = ReviveAnnotation(a, c.locator)
	}
	rejected := c.store.BulkAddAnnotation(revived, replace, origin)
	// A batch can repeat an id (first copy accepted, later copies
	// rejected), so rejections are counted per id rather than treated as
	// a set. The store accepts at most one item per id, always the first.
	totalCount := make(map[string]int, len(revived))
	for _, a := range revived {
		totalCount[a.ID]++
	}
	rejectedCount := make(map[string]int, len(rejected))
	for _, a := range rejected {
		rejectedCount[a.ID]++
	}
	c.mu.Lock()
	indexed := make(map[string]struct{}, len(revived))
	for _, a := range revived {
		if _, done := indexed[a.ID]; done {
			continue
		}
		if rejectedCount[a.ID] >= totalCount[a.ID] {
			continue
		}
		c.index.record(a)
		indexed[a.ID] = struct{}{}
	}
	c.mu.Unlock()
	return rejected
}

func (c *Coordinator) UpdateAnnotation(a annostore.Annotation, origin annostore.Origin) {
	revived := ReviveAnnotation(a, c.locator)
	c.store.UpdateAnnotation(revived, origin)
	c.mu.Lock()
	c.index.record(revived)
	c.mu.Unlock()
}

func (c *Coordinator) UpdateTarget(t annostore.Target, origin annostore.Origin) {
	revived := ReviveTarget(t, c.locator)
	c.store.UpdateTarget(revived, origin)
	c.mu.Lock()
	c.index.patchTarget(revived)
	c.mu.Unlock()
}

func (c *Coordinator) GetAnnotation(id string) (annostore.Annotation, bool) {
	return c.store.GetAnnotation(id)
}

func (c *Coordinator) BulkUpsertAnnotations(annotations []annostore.Annotation, origin annostore.Origin) {
	revived := make([]annostore.Annotation, len(annotations))
	for i, a := range annotations {
		revived[i] = ReviveAnnotation(a, c.locator)
	}
	c.store.BulkUpsertAnnotations(revived, origin)
	c.mu.Lock()
	for _, a := range revived {
		c.index.record(a)
	}
	c.mu.Unlock()
}

func (c *Coordinator) DeleteAnnotation(id string, origin annostore.Origin) bool {
	ok := c.store.DeleteAnnotation(id, origin)
	c.mu.Lock()
	c.index.evict(id)
	c.mu.Unlock()
	return ok
}

// OnLazyRender is invoked by the host once per page becoming rendered.
// The indexed annotations for the page and its neighbors are re-fetched
// from the store and pushed back through a remote-tagged bulk upsert, so
// the store's rendering path re-resolves their now-stale element
// references against the fresh page element. Ids the store no longer
// knows are dropped silently; an empty batch makes no store call.
func (c *Coordinator) OnLazyRender(page int) {
	if page < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var pages []int
	for p := page - c.window; p <= page+c.window; p++ {
		if p >= 0 {
			pages = append(pages, p)
		}
	}
	indexed := c.index.collect(pages)
	if len(indexed) == 0 {
		return
	}
	batch := make([]annostore.Annotation, 0, len(indexed))
	for _, stale := range indexed {
		current, ok := c.store.GetAnnotation(stale.ID)
		if !ok {
			continue
		}
		batch = append(batch, ReviveAnnotation(current, c.locator))
	}
	if len(batch) == 0 {
		return
	}
	c.store.BulkUpsertAnnotations(batch, annostore.OriginRemote)
	for _, a := range batch {
		c.index.record(a)
	}
}

// RebuildIndex replaces the page index with one computed from the given
// authoritative annotation list. Wired to store reload events so an
// externally rewritten snapshot cannot leave the index pointing at
// history.
func (c *Coordinator) RebuildIndex(annotations []annostore.Annotation) {
	c.mu.Lock()
	c.index.reset(annotations)
	c.mu.Unlock()
}

// IndexedPages reports which pages currently have indexed annotations,
// for status surfaces.
func (c *Coordinator) IndexedPages() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := make([]int, 0, len(c.index.pages))
	for p := range c.index.pages {
		pages = append(pages, p)
	}
	return pages
}
