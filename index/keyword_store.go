package index

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

var _ vectorstores.VectorStore = (*KeywordStore)(nil)

// KeywordStore is an in-process vector store that scores documents by the
// Jaccard similarity of their word sets. It needs no embedding model and is
// used for local runs and tests.
type KeywordStore struct {
	mu   sync.RWMutex
	seq  int
	docs map[string][]keywordDoc
}

type keywordDoc struct {
	id    string
	doc   schema.Document
	terms map[string]struct{}
}

// NewKeywordStore returns an empty store
func NewKeywordStore() *KeywordStore {
	return &KeywordStore{docs: map[string][]keywordDoc{}}
}

// AddDocuments stores docs under the namespace given in the options
func (s *KeywordStore) AddDocuments(ctx context.Context, docs []schema.Document, options ...vectorstores.Option) ([]string, error) {
	opts := applyOptions(options)
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if opts.Deduplicater != nil && opts.Deduplicater(ctx, doc) {
			continue
		}
		s.seq++
		id := fmt.Sprintf("doc-%d", s.seq)
		s.docs[opts.NameSpace] = append(s.docs[opts.NameSpace], keywordDoc{
			id:    id,
			doc:   doc,
			terms: terms(doc.PageContent),
		})
		ids = append(ids, id)
	}
	return ids, nil
}

// SimilaritySearch returns the numDocuments best scoring documents in the
// namespace. Documents sharing no words with the query are never returned.
func (s *KeywordStore) SimilaritySearch(ctx context.Context, query string, numDocuments int, options ...vectorstores.Option) ([]schema.Document, error) {
	opts := applyOptions(options)
	q := terms(query)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []schema.Document
	for _, d := range s.docs[opts.NameSpace] {
		score := jaccard(q, d.terms)
		if score == 0 || score < opts.ScoreThreshold {
			continue
		}
		doc := d.doc
		doc.Score = score
		results = append(results, doc)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if numDocuments > 0 && len(results) > numDocuments {
		results = results[:numDocuments]
	}
	return results, nil
}

// Len returns the number of documents in a namespace
func (s *KeywordStore) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[namespace])
}

func applyOptions(options []vectorstores.Option) vectorstores.Options {
	var opts vectorstores.Options
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

func terms(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float32 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if _, ok := b[w]; ok {
			shared++
		}
	}
	return float32(shared) / float32(len(a)+len(b)-shared)
}
