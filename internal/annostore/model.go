package annostore

import (
	"sort"

	"github.com/readmark/pagesync/internal/docview"
)

// Origin distinguishes user-initiated edits from externally applied ones.
// Change listeners use it to decide event semantics: a remote-tagged
// mutation is a resynchronization or peer update, not a new local edit.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

type Kind string

const (
	KindHighlight Kind = "highlight"
	KindUnderline Kind = "underline"
	KindNote      Kind = "note"
)

// Selector anchors one fragment of an annotation to a position in the
// document. It carries a page number, a live container element, or both.
// Selectors created by user interaction start in element form; selectors
// arriving from storage or a peer start in page-number form. The element
// reference is view state and is never persisted.
type Selector struct {
	Page    *int                `json:"page,omitempty"`
	Element docview.PageElement `json:"-"`
}

// Empty reports the malformed case: neither a page number nor an element.
func (s Selector) Empty() bool {
	return s.Page == nil && s.Element == nil
}

// Target is the full anchor of an annotation: one or more selectors, in
// order, covering possibly multiple pages.
type Target struct {
	AnnotationID string     `json:"annotationId"`
	Selectors    []Selector `json:"selectors"`
}

// Pages returns the sorted, deduplicated, non-negative page numbers the
// target touches. Selectors without a page number contribute nothing.
func (t Target) Pages() []int {
	seen := map[int]struct{}{}
	for _, sel := range t.Selectors {
		if sel.Page == nil || *sel.Page < 0 {
			continue
		}
		seen[*sel.Page] = struct{}{}
	}
	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

type Annotation struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Kind       Kind   `json:"kind"`
	Color      string `json:"color,omitempty"`
	Quote      string `json:"quote,omitempty"`
	Comment    string `json:"comment,omitempty"`
	Revision   string `json:"revision,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
	Target     Target `json:"target"`
}

const (
	EventAnnotationCreated       = "annotation.created"
	EventAnnotationUpdated       = "annotation.updated"
	EventAnnotationTargetUpdated = "annotation.target_updated"
	EventAnnotationUpserted      = "annotation.upserted"
	EventAnnotationDeleted       = "annotation.deleted"
	EventStoreReloaded           = "store.reloaded"
)

type Event struct {
	EventID      string `json:"eventId"`
	Type         string `json:"type"`
	DocumentID   string `json:"documentId,omitempty"`
	AnnotationID string `json:"annotationId,omitempty"`
	Revision     string `json:"revision,omitempty"`
	Origin       Origin `json:"origin"`
	Timestamp    string `json:"timestamp"`
}

type EventFeed struct {
	Events     []Event `json:"events"`
	NextCursor *string `json:"nextCursor"`
}

// AnnotationStore is the capability surface the page-sync coordinator
// wraps. Store implements it; the coordinator decorates it with page-index
// bookkeeping while exposing the identical interface.
type AnnotationStore interface {
	AddAnnotation(a Annotation, origin Origin) bool
	BulkAddAnnotation(annotations []Annotation, replace bool, origin Origin) []Annotation
	UpdateAnnotation(a Annotation, origin Origin)
	UpdateTarget(t Target, origin Origin)
	GetAnnotation(id string) (Annotation, bool)
	BulkUpsertAnnotations(annotations []Annotation, origin Origin)
	DeleteAnnotation(id string, origin Origin) bool
}
