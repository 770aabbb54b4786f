package pagesync

import "github.com/readmark/pagesync/internal/annostore"

// pageIndex maps page number to the annotations touching that page.
// Multi-page annotations appear under every page they touch. The index is
// a cache over the store: entries may go stale (an annotation that moved
// away from a page, or was removed behind our back) and are corrected on
// resync; the store stays the source of truth.
type pageIndex struct {
	pages map[int][]annostore.Annotation
}

func newPageIndex() *pageIndex {
	return &pageIndex{pages: map[int][]annostore.Annotation{}}
}

// record upserts the annotation under every page its current target
// touches, replacing any prior entry with the same id in those buckets.
// Buckets for pages the annotation no longer touches are left alone; the
// stale entries there are resolved on the next resync.
func (x *pageIndex) record(a annostore.Annotation) {
	for _, page := range a.Target.Pages() {
		bucket := x.pages[page]
		replaced := false
		for i := range bucket {
			if bucket[i].ID == a.ID {
				bucket[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			bucket = append(bucket, a)
		}
		x.pages[page] = bucket
	}
}

// patchTarget replaces the target of already-indexed entries matching the
// owning annotation id, under each page the new target touches. Pages
// where the annotation was never indexed are unaffected; no insertion.
func (x *pageIndex) patchTarget(t annostore.Target) {
	for _, page := range t.Pages() {
		bucket := x.pages[page]
		for i := range bucket {
			if bucket[i].ID == t.AnnotationID {
				bucket[i].Target = t
			}
		}
	}
}

// evict drops every entry with the given id from every bucket.
func (x *pageIndex) evict(id string) {
	for page, bucket := range x.pages {
		kept := bucket[:0]
		for _, a := range bucket {
			if a.ID != id {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(x.pages, page)
			continue
		}
		x.pages[page] = kept
	}
}

// collect returns the union of annotations indexed under the given pages,
// deduplicated by id. When an id appears under several of the pages, the
// last-seen entry wins. Output preserves first-seen order.
func (x *pageIndex) collect(pages []int) []annostore.Annotation {
	var order []string
	byID := map[string]annostore.Annotation{}
	for _, page := range pages {
		for _, a := range x.pages[page] {
			if _, seen := byID[a.ID]; !seen {
				order = append(order, a.ID)
			}
			byID[a.ID] = a
		}
	}
	if len(order) == 0 {
		return nil
	}
	out := make([]annostore.Annotation, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// reset rebuilds the index from scratch.
func (x *pageIndex) reset(annotations []annostore.Annotation) {
	x.pages = map[int][]annostore.Annotation{}
	for _, a := range annotations {
		x.record(a)
	}
}
