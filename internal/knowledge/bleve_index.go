package knowledge

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

const defaultBleveResults = 50

// BleveIndex is a BM25 index held in memory. Relevance is the hit score
// normalised against the best hit of the same query.
type BleveIndex struct {
	mu    sync.Mutex
	index bleve.Index
}

// NewBleveIndex creates an empty in-memory BM25 index.
func NewBleveIndex() (*BleveIndex, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &BleveIndex{index: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	dm := bleve.NewDocumentMapping()

	pathField := bleve.NewTextFieldMapping()
	pathField.Analyzer = keyword.Name
	pathField.Store = true
	dm.AddFieldMappingsAt("path", pathField)

	categoryField := bleve.NewTextFieldMapping()
	categoryField.Analyzer = keyword.Name
	categoryField.Store = true
	dm.AddFieldMappingsAt("category", categoryField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	dm.AddFieldMappingsAt("text", textField)

	im.DefaultMapping = dm
	return im
}

func (b *BleveIndex) Put(doc Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Index(doc.Path, map[string]any{
		"path":     doc.Path,
		"category": Category(doc.Path),
		"text":     doc.Path + " " + doc.Content,
	})
}

func (b *BleveIndex) Delete(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Delete(path)
}

func (b *BleveIndex) Reset(docs []Document) error {
	fresh, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return fmt.Errorf("recreate bleve index: %w", err)
	}
	batch := fresh.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.Path, map[string]any{
			"path":     d.Path,
			"category": Category(d.Path),
			"text":     d.Path + " " + d.Content,
		}); err != nil {
			return fmt.Errorf("batch %s: %w", d.Path, err)
		}
	}
	if err := fresh.Batch(batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}

	b.mu.Lock()
	old := b.index
	b.index = fresh
	b.mu.Unlock()
	return old.Close()
}

func (b *BleveIndex) Search(q string, opts SearchOptions) ([]Hit, error) {
	match := bleve.NewMatchQuery(q)
	match.SetField("text")

	var root query.Query = match
	if opts.Category != "" {
		cat := bleve.NewTermQuery(opts.Category)
		cat.SetField("category")
		root = bleve.NewConjunctionQuery(match, cat)
	}

	req := bleve.NewSearchRequest(root)
	req.Size = defaultBleveResults
	if opts.Limit > 0 {
		req.Size = opts.Limit
	}

	b.mu.Lock()
	res, err := b.index.Search(req)
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}

	best := res.Hits[0].Score
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		rel := 1.0
		if best > 0 {
			rel = h.Score / best
		}
		if rel < opts.MinRelevance {
			continue
		}
		hits = append(hits, Hit{Path: h.ID, Relevance: rel})
	}
	return hits, nil
}

// Close releases the underlying index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Close()
}
