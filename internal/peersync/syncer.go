package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/readmark/pagesync/internal/annostore"
)

const eventPageSize = 500

type Logger interface {
	Printf(format string, args ...any)
}

type SyncerOptions struct {
	DocumentID string
	// CursorFile persists the event cursor across runs. Defaults to
	// .pagesync-peer-state.json in the working directory.
	CursorFile string
	Logger     Logger
}

// Syncer replays a remote document's annotation changes into a local
// store. Every applied mutation is tagged OriginRemote so local change
// listeners can tell peer updates from user edits.
type Syncer struct {
	client     RemoteClient
	target     annostore.AnnotationStore
	documentID string
	cursorFile string
	logger     Logger
	state      peerState
	loaded     bool
}

type peerState struct {
	EventsCursor string `json:"eventsCursor,omitempty"`
}

func NewSyncer(client RemoteClient, target annostore.AnnotationStore, opts SyncerOptions) (*Syncer, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if target == nil {
		return nil, fmt.Errorf("target store is required")
	}
	documentID := strings.TrimSpace(opts.DocumentID)
	if documentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	cursorFile := strings.TrimSpace(opts.CursorFile)
	if cursorFile == "" {
		cursorFile = ".pagesync-peer-state.json"
	}
	return &Syncer{
		client:     client,
		target:     target,
		documentID: documentID,
		cursorFile: cursorFile,
		logger:     opts.Logger,
	}, nil
}

// SyncOnce performs one pull cycle: incremental from the saved cursor when
// possible, a full pull otherwise, then persists the advanced cursor.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if err := s.loadState(); err != nil {
		return err
	}
	if s.state.EventsCursor != "" {
		nextCursor, err := s.pullIncremental(ctx, s.state.EventsCursor)
		if err == nil {
			s.state.EventsCursor = nextCursor
			return s.saveState()
		}
		if !errors.Is(err, errNeedFullPull) {
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
				return err
			}
			s.logf("event feed unavailable; falling back to full pull")
		}
		s.state.EventsCursor = ""
	}

	if err := s.pullFull(ctx); err != nil {
		return err
	}
	cursor, err := s.resolveLatestEventCursor(ctx)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return s.saveState()
		}
		return err
	}
	s.state.EventsCursor = cursor
	return s.saveState()
}

// errNeedFullPull signals that the incremental path saw a wholesale store
// reload on the server and the local copy must be rebuilt from a listing.
var errNeedFullPull = errors.New("full pull required")

func (s *Syncer) pullFull(ctx context.Context) error {
	annotations, err := s.client.ListAnnotations(ctx, s.documentID)
	if err != nil {
		return err
	}
	if len(annotations) == 0 {
		return nil
	}
	// replace=true makes the listing authoritative: local annotations for
	// the document that the server no longer has are dropped.
	s.target.BulkAddAnnotation(annotations, true, annostore.OriginRemote)
	return nil
}

func (s *Syncer) pullIncremental(ctx context.Context, cursor string) (string, error) {
	changed := map[string]struct{}{}
	deleted := map[string]struct{}{}
	currentCursor := strings.TrimSpace(cursor)

	for {
		feed, err := s.client.ListEvents(ctx, s.documentID, currentCursor, eventPageSize)
		if err != nil {
			return cursor, err
		}
		for _, event := range feed.Events {
			if eventID := strings.TrimSpace(event.EventID); eventID != "" {
				currentCursor = eventID
			}
			switch event.Type {
			case annostore.EventAnnotationCreated,
				annostore.EventAnnotationUpdated,
				annostore.EventAnnotationTargetUpdated,
				annostore.EventAnnotationUpserted:
				if event.AnnotationID != "" {
					changed[event.AnnotationID] = struct{}{}
					delete(deleted, event.AnnotationID)
				}
			case annostore.EventAnnotationDeleted:
				if event.AnnotationID != "" {
					deleted[event.AnnotationID] = struct{}{}
					delete(changed, event.AnnotationID)
				}
			case annostore.EventStoreReloaded:
				return cursor, errNeedFullPull
			}
		}
		if feed.NextCursor == nil || *feed.NextCursor == "" {
			break
		}
		currentCursor = *feed.NextCursor
	}

	changedIDs := make([]string, 0, len(changed))
	for id := range changed {
		changedIDs = append(changedIDs, id)
	}
	sort.Strings(changedIDs)

	batch := make([]annostore.Annotation, 0, len(changedIDs))
	for _, id := range changedIDs {
		annotation, err := s.client.GetAnnotation(ctx, s.documentID, id)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				deleted[id] = struct{}{}
				continue
			}
			return cursor, err
		}
		batch = append(batch, annotation)
	}
	if len(batch) > 0 {
		s.target.BulkUpsertAnnotations(batch, annostore.OriginRemote)
	}

	deletedIDs := make([]string, 0, len(deleted))
	for id := range deleted {
		deletedIDs = append(deletedIDs, id)
	}
	sort.Strings(deletedIDs)
	for _, id := range deletedIDs {
		s.target.DeleteAnnotation(id, annostore.OriginRemote)
	}

	if currentCursor == "" {
		currentCursor = cursor
	}
	return currentCursor, nil
}

func (s *Syncer) resolveLatestEventCursor(ctx context.Context) (string, error) {
	cursor := ""
	latest := ""
	for {
		feed, err := s.client.ListEvents(ctx, s.documentID, cursor, eventPageSize)
		if err != nil {
			return "", err
		}
		if len(feed.Events) > 0 {
			if eventID := strings.TrimSpace(feed.Events[len(feed.Events)-1].EventID); eventID != "" {
				latest = eventID
			}
		}
		if feed.NextCursor == nil || *feed.NextCursor == "" {
			break
		}
		cursor = *feed.NextCursor
	}
	return latest, nil
}

func (s *Syncer) loadState() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.cursorFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state peerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	s.state = state
	return nil
}

func (s *Syncer) saveState() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.cursorFile)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return writeFileAtomic(s.cursorFile, data, 0o644)
}

func (s *Syncer) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
