package lexical

import (
	"math"
	"sort"
	"sync"
)

// BM25 parameters. Standard values for prose-length passages.
const (
	k1 = 1.5
	b  = 0.75
)

// Entry is one chunk to index.
type Entry struct {
	ID      string
	Content string
	Payload map[string]string
}

// Result is a single lexical search hit with a raw BM25 score.
type Result struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// indexed holds one chunk's length and payload; term frequencies live
// in the postings lists.
type indexed struct {
	length  int
	payload map[string]string
}

// state is a snapshot of the inverted index. Rebuilds construct a
// fresh state and swap the pointer, so searches never see a half-built
// index.
type state struct {
	docs        map[string]*indexed
	postings    map[string]map[string]int // term -> chunk ID -> term frequency
	totalLength int
}

func newState() *state {
	return &state{
		docs:     make(map[string]*indexed),
		postings: make(map[string]map[string]int),
	}
}

func (st *state) add(e Entry) {
	if _, exists := st.docs[e.ID]; exists {
		st.remove(e.ID)
	}

	tokens := Tokenize(e.Content)
	st.docs[e.ID] = &indexed{length: len(tokens), payload: e.Payload}
	st.totalLength += len(tokens)

	for _, t := range tokens {
		posting := st.postings[t]
		if posting == nil {
			posting = make(map[string]int)
			st.postings[t] = posting
		}
		posting[e.ID]++
	}
}

func (st *state) remove(id string) {
	doc, exists := st.docs[id]
	if !exists {
		return
	}
	st.totalLength -= doc.length
	delete(st.docs, id)
	for term, posting := range st.postings {
		if _, hit := posting[id]; hit {
			delete(posting, id)
			if len(posting) == 0 {
				delete(st.postings, term)
			}
		}
	}
}

// Index is a BM25 inverted index safe for concurrent use.
type Index struct {
	mu sync.RWMutex
	st *state
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{st: newState()}
}

// Add indexes entries incrementally, replacing any with the same ID.
func (idx *Index) Add(entries ...Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range entries {
		idx.st.add(e)
	}
}

// Remove drops entries by ID.
func (idx *Index) Remove(ids ...string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		idx.st.remove(id)
	}
}

// Rebuild replaces the entire index atomically. Searches running
// against the old snapshot finish unaffected.
func (idx *Index) Rebuild(entries []Entry) {
	fresh := newState()
	for _, e := range entries {
		fresh.add(e)
	}

	idx.mu.Lock()
	idx.st = fresh
	idx.mu.Unlock()
}

// Len returns the number of indexed chunks.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.st.docs)
}

// Search scores all chunks matching any query term and returns the top
// limit by BM25, ties broken by ID for determinism.
func (idx *Index) Search(query string, limit int) []Result {
	idx.mu.RLock()
	st := idx.st
	idx.mu.RUnlock()

	if limit <= 0 || len(st.docs) == 0 {
		return []Result{}
	}

	terms := Tokenize(query)
	if len(terms) == 0 {
		return []Result{}
	}

	n := float64(len(st.docs))
	avgLength := float64(st.totalLength) / n

	scores := make(map[string]float64)
	for _, term := range terms {
		posting := st.postings[term]
		if posting == nil {
			continue
		}
		df := float64(len(posting))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))

		for id, tf := range posting {
			tfF := float64(tf)
			norm := 1 - b + b*float64(st.docs[id].length)/avgLength
			scores[id] += idf * tfF * (k1 + 1) / (tfF + k1*norm)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ID: id, Score: score, Payload: st.docs[id].payload})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
