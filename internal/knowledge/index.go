package knowledge

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Index ranks documents for Search. Implementations receive every write and
// delete made to the store, under the store's lock.
type Index interface {
	Put(doc Document) error
	Delete(path string) error
	Reset(docs []Document) error
	Search(query string, opts SearchOptions) ([]Hit, error)
}

// Hit is one ranked match returned by an Index.
type Hit struct {
	Path      string
	Relevance float64 // 0..1
}

// KeywordIndex scores documents by the fraction of distinct query terms they
// contain. It is the default index.
type KeywordIndex struct {
	mu    sync.RWMutex
	terms map[string]map[string]struct{} // path -> term set
	meta  map[string]Document            // path -> document without content
}

// NewKeywordIndex returns an empty keyword index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{
		terms: make(map[string]map[string]struct{}),
		meta:  make(map[string]Document),
	}
}

func (k *KeywordIndex) Put(doc Document) error {
	set := make(map[string]struct{})
	for _, t := range tokenize(doc.Path + " " + doc.Content) {
		set[t] = struct{}{}
	}
	meta := doc
	meta.Content = ""

	k.mu.Lock()
	k.terms[doc.Path] = set
	k.meta[doc.Path] = meta
	k.mu.Unlock()
	return nil
}

func (k *KeywordIndex) Delete(path string) error {
	k.mu.Lock()
	delete(k.terms, path)
	delete(k.meta, path)
	k.mu.Unlock()
	return nil
}

func (k *KeywordIndex) Reset(docs []Document) error {
	k.mu.Lock()
	k.terms = make(map[string]map[string]struct{}, len(docs))
	k.meta = make(map[string]Document, len(docs))
	k.mu.Unlock()
	for _, d := range docs {
		if err := k.Put(d); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeywordIndex) Search(query string, opts SearchOptions) ([]Hit, error) {
	qterms := uniqueTerms(query)
	if len(qterms) == 0 {
		return nil, nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	type scored struct {
		Hit
		updated int64
	}
	var out []scored
	for path, set := range k.terms {
		if opts.Category != "" && Category(path) != opts.Category {
			continue
		}
		matched := 0
		for _, t := range qterms {
			if _, ok := set[t]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		rel := float64(matched) / float64(len(qterms))
		if rel < opts.MinRelevance {
			continue
		}
		out = append(out, scored{Hit{Path: path, Relevance: rel}, k.meta[path].UpdatedAt.UnixNano()})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		if out[i].updated != out[j].updated {
			return out[i].updated > out[j].updated
		}
		return out[i].Path < out[j].Path
	})

	hits := make([]Hit, 0, len(out))
	for _, s := range out {
		hits = append(hits, s.Hit)
	}
	return limitHits(hits, opts.Limit), nil
}

func limitHits(h []Hit, limit int) []Hit {
	if limit > 0 && len(h) > limit {
		return h[:limit]
	}
	return h
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func uniqueTerms(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tokenize(s) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
