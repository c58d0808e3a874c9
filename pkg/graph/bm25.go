package graph

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// TextHit is one ranked result of a BM25 search.
type TextHit struct {
	ID    string
	Score float64
}

// bm25Index is a per-label inverted-index full-text search structure
// scored with Okapi BM25.
type bm25Index struct {
	mu            sync.RWMutex
	documents     map[string]string         // id -> original text
	invertedIndex map[string]map[string]int // term -> id -> term frequency
	docLengths    map[string]int            // id -> token count
	avgDocLength  float64
	docCount      int
}

func newBM25Index() *bm25Index {
	return &bm25Index{
		documents:     make(map[string]string),
		invertedIndex: make(map[string]map[string]int),
		docLengths:    make(map[string]int),
	}
}

// Index adds or replaces the document stored under id.
func (b *bm25Index) Index(id, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.documents[id]; exists {
		b.removeInternal(id)
	}

	tokens := tokenize(text)
	b.documents[id] = text
	b.docLengths[id] = len(tokens)
	b.docCount++

	termFreq := make(map[string]int)
	for _, t := range tokens {
		termFreq[t]++
	}
	for term, freq := range termFreq {
		if b.invertedIndex[term] == nil {
			b.invertedIndex[term] = make(map[string]int)
		}
		b.invertedIndex[term][id] = freq
	}

	b.updateAvgDocLength()
}

// Remove deletes a document from the index.
func (b *bm25Index) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeInternal(id)
}

func (b *bm25Index) removeInternal(id string) {
	if _, exists := b.documents[id]; !exists {
		return
	}
	delete(b.documents, id)
	delete(b.docLengths, id)
	b.docCount--
	for term, postings := range b.invertedIndex {
		delete(postings, id)
		if len(postings) == 0 {
			delete(b.invertedIndex, term)
		}
	}
	b.updateAvgDocLength()
}

// Search scores every candidate document against query's terms and
// returns the top `limit` hits, highest score first. A document whose
// text starts with the query string gets a bonus of 0.8 times the IDF of
// the whole query string, which is zero unless that string is itself an
// indexed term.
func (b *bm25Index) Search(query string, limit int) []TextHit {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.docCount == 0 {
		return nil
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		postings, ok := b.invertedIndex[term]
		if !ok {
			continue
		}
		idf := b.calculateIDF(term)
		for id, freq := range postings {
			docLen := float64(b.docLengths[id])
			numerator := float64(freq) * (bm25K1 + 1)
			denominator := float64(freq) + bm25K1*(1-bm25B+bm25B*docLen/b.avgDocLength)
			scores[id] += idf * numerator / denominator
		}
	}

	queryLower := strings.ToLower(strings.TrimSpace(query))
	for id, text := range b.documents {
		if queryLower != "" && strings.HasPrefix(strings.ToLower(text), queryLower) {
			scores[id] += 0.8 * b.calculateIDF(queryLower)
		}
	}

	results := make([]TextHit, 0, len(scores))
	for id, score := range scores {
		if score > 0 {
			results = append(results, TextHit{ID: id, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (b *bm25Index) calculateIDF(term string) float64 {
	postings, ok := b.invertedIndex[term]
	if !ok {
		return 0
	}
	docFreq := float64(len(postings))
	n := float64(b.docCount)
	return math.Log(1 + (n-docFreq+0.5)/(docFreq+0.5))
}

func (b *bm25Index) updateAvgDocLength() {
	if b.docCount == 0 {
		b.avgDocLength = 0
		return
	}
	var total int
	for _, l := range b.docLengths {
		total += l
	}
	b.avgDocLength = float64(total) / float64(b.docCount)
}

// Count returns the number of documents held in the index.
func (b *bm25Index) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.docCount
}

func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
		} else if current.Len() > 0 {
			if t := current.String(); len(t) >= 2 && !isStopWord(t) {
				tokens = append(tokens, t)
			}
			current.Reset()
		}
	}
	if current.Len() > 0 {
		if t := current.String(); len(t) >= 2 && !isStopWord(t) {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "must": true, "shall": true, "can": true,
	"this": true,
}

func isStopWord(word string) bool {
	return stopWords[word]
}
