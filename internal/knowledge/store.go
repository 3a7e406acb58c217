// Package knowledge is the versioned document store agents use to hand off
// work. Writes use optimistic locking: a caller that supplies an expected
// version loses if another writer got there first and must re-read.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/forge/internal/logging"
)

// DefaultMaxContentBytes is the content ceiling used when Options leaves it unset.
const DefaultMaxContentBytes = 1 << 20

// Document is one versioned entry.
type Document struct {
	Path        string    `json:"path"`
	Content     string    `json:"content"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
	ContentHash string    `json:"contentHash"`
}

// ChangeKind tells subscribers what happened to a path.
type ChangeKind string

const (
	ChangeWritten ChangeKind = "written" // first version
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is delivered to subscribers and to Options.OnChange.
type Change struct {
	Kind     ChangeKind
	Path     string
	Document Document // zero for deletes
}

// WriteOptions carries the optional expected version and the author.
// ExpectedVersion 0 means the path must not exist yet.
type WriteOptions struct {
	ExpectedVersion *int
	Author          string
}

// ExpectVersion is a convenience for building WriteOptions.ExpectedVersion.
func ExpectVersion(v int) *int { return &v }

// WriteResult is returned by a successful write.
type WriteResult struct {
	Version int `json:"version"`
}

// SearchOptions narrows a search.
type SearchOptions struct {
	Category     string
	Limit        int
	MinRelevance float64
}

// SearchResult pairs a document with its relevance.
type SearchResult struct {
	Document  Document `json:"document"`
	Relevance float64  `json:"relevance"`
}

// Options configures a Store.
type Options struct {
	MaxContentBytes int
	Index           Index
	OnChange        func(Change)
	Logger          *slog.Logger
	Now             func() time.Time
}

type subscription struct {
	id     uint64
	prefix string
	fn     func(Change)
}

// Store holds the documents of one generation session.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]Document
	tombs  map[string]Document // last version of deleted paths
	subs   map[uint64]subscription
	nextID uint64

	maxBytes int
	index    Index
	onChange func(Change)
	log      *slog.Logger
	now      func() time.Time
}

// NewStore returns an empty store.
func NewStore(opts Options) *Store {
	s := &Store{
		docs:     make(map[string]Document),
		tombs:    make(map[string]Document),
		subs:     make(map[uint64]subscription),
		maxBytes: opts.MaxContentBytes,
		index:    opts.Index,
		onChange: opts.OnChange,
		log:      logging.OrDiscard(opts.Logger),
		now:      opts.Now,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxContentBytes
	}
	if s.index == nil {
		s.index = NewKeywordIndex()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Write stores content at path and returns the new version. Versions of a
// path never go back: a path written again after Delete continues from its
// last version, and expecting either 0 or that version is accepted.
func (s *Store) Write(path, content string, opts WriteOptions) (WriteResult, error) {
	if err := ValidatePath(path); err != nil {
		return WriteResult{}, err
	}
	if len(content) > s.maxBytes {
		return WriteResult{}, &ContentTooLargeError{Path: path, Size: len(content), Limit: s.maxBytes}
	}

	s.mu.Lock()
	cur, exists := s.docs[path]
	tomb, deleted := s.tombs[path]
	if opts.ExpectedVersion != nil {
		want := *opts.ExpectedVersion
		if want != cur.Version && !(deleted && want == tomb.Version) {
			s.mu.Unlock()
			return WriteResult{}, &VersionConflictError{Path: path, Current: cur.Version, Expected: want}
		}
	}
	if deleted {
		cur, exists = tomb, true
		delete(s.tombs, path)
	}

	now := s.now()
	doc := Document{
		Path:        path,
		Content:     content,
		Version:     cur.Version + 1,
		UpdatedAt:   now,
		UpdatedBy:   opts.Author,
		ContentHash: hashContent(content),
	}
	kind := ChangeUpdated
	if exists {
		doc.CreatedAt = cur.CreatedAt
		doc.CreatedBy = cur.CreatedBy
	} else {
		doc.CreatedAt = now
		doc.CreatedBy = opts.Author
		kind = ChangeWritten
	}
	s.docs[path] = doc
	if err := s.index.Put(doc); err != nil {
		s.log.Warn("knowledge index put failed", "path", path, "error", err)
	}
	subs := s.matchingSubs(path)
	s.mu.Unlock()

	s.notify(subs, Change{Kind: kind, Path: path, Document: doc})
	return WriteResult{Version: doc.Version}, nil
}

// Read returns the current document. A non-zero version must equal the
// current one; history is not retained.
func (s *Store) Read(path string, version int) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	if !ok {
		return Document{}, ErrNotFound
	}
	if version != 0 && version != doc.Version {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// Delete removes path and reports whether it existed.
func (s *Store) Delete(path string) bool {
	s.mu.Lock()
	doc, ok := s.docs[path]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.docs, path)
	doc.Content = ""
	s.tombs[path] = doc
	if err := s.index.Delete(path); err != nil {
		s.log.Warn("knowledge index delete failed", "path", path, "error", err)
	}
	subs := s.matchingSubs(path)
	s.mu.Unlock()

	s.notify(subs, Change{Kind: ChangeDeleted, Path: path})
	return true
}

// ListPaths returns the sorted paths under prefix ("" or "/" for all).
func (s *Store) ListPaths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.docs {
		if hasPathPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Search ranks documents against query using the configured index.
func (s *Store) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	hits, err := s.index.Search(query, opts)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		doc, ok := s.docs[h.Path]
		if !ok {
			continue
		}
		out = append(out, SearchResult{Document: doc, Relevance: h.Relevance})
	}
	return out, nil
}

// Subscribe registers fn for changes at path or below it. The returned
// function removes the subscription and is safe to call more than once.
func (s *Store) Subscribe(path string, fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = subscription{id: id, prefix: path, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// UnsubscribeAll drops every subscription. Used when a session ends.
func (s *Store) UnsubscribeAll() {
	s.mu.Lock()
	s.subs = make(map[uint64]subscription)
	s.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Snapshot returns a consistent copy of every document.
func (s *Store) Snapshot() map[string]Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Document, len(s.docs))
	for p, d := range s.docs {
		out[p] = d
	}
	return out
}

// Restore replaces the store content with snap. Subscribers are kept but
// not notified.
func (s *Store) Restore(snap map[string]Document) {
	docs := make(map[string]Document, len(snap))
	list := make([]Document, 0, len(snap))
	for p, d := range snap {
		d.Path = p
		docs[p] = d
		list = append(list, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = docs
	for p := range docs {
		delete(s.tombs, p)
	}
	if err := s.index.Reset(list); err != nil {
		s.log.Warn("knowledge index reset failed", "error", err)
	}
}

// matchingSubs must be called with s.mu held.
func (s *Store) matchingSubs(path string) []subscription {
	var out []subscription
	for _, sub := range s.subs {
		if hasPathPrefix(path, sub.prefix) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *Store) notify(subs []subscription, c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
	for _, sub := range subs {
		sub.fn(c)
	}
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
