// Package pagesync layers page-aware bookkeeping over the generic
// annotation store: it revives annotation targets so page numbers and live
// page elements can stand in for each other, and it keeps a per-page index
// used to resync annotations into the store when a lazily rendered page
// reappears.
package pagesync

import (
	"log"

	"github.com/readmark/pagesync/internal/annostore"
	"github.com/readmark/pagesync/internal/docview"
)

// ReviveAnnotation normalizes an annotation's target in place. See
// ReviveTarget.
func ReviveAnnotation(a annostore.Annotation, locator docview.Locator) annostore.Annotation {
	a.Target = ReviveTarget(a.Target, locator)
	return a
}

// ReviveTarget returns a target whose selectors carry both a page number
// and a live element reference wherever that is determinable right now.
// A selector whose page is not currently rendered keeps only its page
// number; that is expected, not an error. Reviving is idempotent.
func ReviveTarget(t annostore.Target, locator docview.Locator) annostore.Target {
	if len(t.Selectors) == 0 {
		return t
	}
	out := make([]annostore.Selector, len(t.Selectors))
	for i, sel := range t.Selectors {
		out[i] = reviveSelector(sel, locator, t.AnnotationID)
	}
	t.Selectors = out
	return t
}

func reviveSelector(sel annostore.Selector, locator docview.Locator, annotationID string) annostore.Selector {
	// A reference detached from the live view (the renderer destroyed and
	// recreated the page) is never trusted; fall back to the page number.
	if sel.Element != nil && !sel.Element.Connected() {
		sel.Element = nil
	}
	switch {
	case sel.Element != nil:
		if sel.Page == nil {
			page := sel.Element.PageNumber()
			sel.Page = &page
		}
	case sel.Page != nil:
		if locator != nil {
			if el, ok := locator.ElementForPage(*sel.Page); ok {
				sel.Element = el
			}
		}
	default:
		log.Printf("pagesync: selector for annotation %q has neither page number nor element", annotationID)
	}
	return sel
}
