// Package docview models the read-only view-lookup capability a host
// document renderer provides: resolving a page number to the container
// element currently rendered for it, and back. The package also ships
// Viewport, a virtualized-window implementation used by the server binary
// and by tests; real integrations supply their own Locator.
package docview

import (
	"sort"
	"sync"
	"sync/atomic"
)

// PageElement is a live rendering-container element for one page. The page
// number is attached by the renderer at render time. Connected reports
// whether the element is still part of the live view; a virtualized
// renderer disconnects elements when their page scrolls out of the buffer.
type PageElement interface {
	PageNumber() int
	Connected() bool
}

// Locator resolves the currently rendered container element for a page.
// The second return is false when the page is not rendered right now,
// which is the normal case for off-screen pages.
type Locator interface {
	ElementForPage(page int) (PageElement, bool)
}

// RenderFunc is invoked once per page that becomes newly rendered.
type RenderFunc func(page int)

type viewportElement struct {
	page     int
	detached atomic.Bool
}

func (e *viewportElement) PageNumber() int { return e.page }

func (e *viewportElement) Connected() bool { return !e.detached.Load() }

// Viewport simulates a virtualized document renderer: only a sliding
// window of pages around the current scroll position has live elements.
// Scrolling destroys elements that fall outside the window and creates
// fresh ones inside it, so an element reference held across a scroll
// round-trip comes back disconnected.
type Viewport struct {
	mu        sync.Mutex
	pageCount int
	before    int
	after     int
	elements  map[int]*viewportElement
	onRender  RenderFunc
}

type ViewportOptions struct {
	// PageCount bounds the document; 0 means unbounded.
	PageCount int
	// Before/After are the number of buffered pages kept rendered on each
	// side of the scroll position. Zero values default to 2.
	Before int
	After  int
}

func NewViewport(opts ViewportOptions) *Viewport {
	before := opts.Before
	if before <= 0 {
		before = 2
	}
	after := opts.After
	if after <= 0 {
		after = 2
	}
	return &Viewport{
		pageCount: opts.PageCount,
		before:    before,
		after:     after,
		elements:  map[int]*viewportElement{},
	}
}

// SetOnRender installs the callback invoked for each newly rendered page.
// Must be set before the first ScrollTo.
func (v *Viewport) SetOnRender(fn RenderFunc) {
	v.mu.Lock()
	v.onRender = fn
	v.mu.Unlock()
}

// ScrollTo moves the viewport so that page is visible. Elements outside
// the buffered window are disconnected and dropped; pages entering the
// window get fresh elements, each reported through the render callback.
func (v *Viewport) ScrollTo(page int) {
	if page < 0 {
		page = 0
	}
	v.mu.Lock()
	low := page - v.before
	if low < 0 {
		low = 0
	}
	high := page + v.after
	if v.pageCount > 0 && high > v.pageCount-1 {
		high = v.pageCount - 1
	}
	for p, el := range v.elements {
		if p < low || p > high {
			el.detached.Store(true)
			delete(v.elements, p)
		}
	}
	var rendered []int
	for p := low; p <= high; p++ {
		if _, ok := v.elements[p]; ok {
			continue
		}
		v.elements[p] = &viewportElement{page: p}
		rendered = append(rendered, p)
	}
	onRender := v.onRender
	v.mu.Unlock()

	if onRender == nil {
		return
	}
	for _, p := range rendered {
		onRender(p)
	}
}

func (v *Viewport) ElementForPage(page int) (PageElement, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	el, ok := v.elements[page]
	if !ok {
		return nil, false
	}
	return el, true
}

// RenderedPages returns the pages currently holding live elements, sorted.
func (v *Viewport) RenderedPages() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	pages := make([]int, 0, len(v.elements))
	for p := range v.elements {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}
