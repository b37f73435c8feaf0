package rag

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
)

// minLexicalTermLen filters query terms too short to carry signal.
const minLexicalTermLen = 4

// Snippet is one knowledge-base entry held in the in-memory index.
// Position preserves corpus insertion order for stable tie-breaking.
type Snippet struct {
	Title    string
	Text     string
	Vector   []float32
	Position int
}

// Result pairs a snippet with its combined relevance score.
type Result struct {
	Snippet Snippet
	Score   float64
}

// Index is the read-only retrieval index. It requires no locking: the
// corpus is loaded before the pipeline starts and never mutated by it.
type Index struct {
	snippets      []Snippet
	embedder      Embedder // nil means lexical-only search
	candidatePool int
	minScore      float64
}

// IndexOpts holds parameters for creating an Index.
type IndexOpts struct {
	Snippets      []Snippet
	Embedder      Embedder // optional; lexical-only search when nil
	CandidatePool int      // similarity candidates kept before re-ranking
	MinScore      float64  // relevance floor; results below it are dropped
}

// NewIndex creates an Index over the given snippets.
func NewIndex(opts IndexOpts) *Index {
	pool := opts.CandidatePool
	if pool <= 0 {
		pool = 50
	}
	snippets := make([]Snippet, len(opts.Snippets))
	copy(snippets, opts.Snippets)
	for i := range snippets {
		snippets[i].Position = i
	}
	return &Index{
		snippets:      snippets,
		embedder:      opts.Embedder,
		candidatePool: pool,
		minScore:      opts.MinScore,
	}
}

// Len returns the number of indexed snippets.
func (ix *Index) Len() int { return len(ix.snippets) }

// Search returns at most k snippets for the query, strictly descending by
// combined score, ties broken by corpus insertion order. The combined
// score is cosine similarity scaled by a lexical overlap factor. An empty
// result is not an error: it means no grounding is available.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if k <= 0 || len(ix.snippets) == 0 {
		return nil, nil
	}

	terms := lexicalTerms(query)

	var candidates []Result
	if ix.embedder != nil {
		queryVec, err := ix.embedder.Embed(ctx, query)
		if err != nil {
			// Degraded retrieval is not a pipeline failure; fall back to
			// lexical scoring the same way an unconfigured embedder does.
			log.Printf("rag: embed query failed, using lexical search: %v", err)
			candidates = ix.lexicalCandidates(terms)
		} else {
			candidates = ix.vectorCandidates(queryVec, terms, k)
		}
	} else {
		candidates = ix.lexicalCandidates(terms)
	}

	// Descending by score, stable so equal scores keep corpus order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	results := candidates
	if len(results) > k {
		results = results[:k]
	}
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Score < ix.minScore || r.Score <= 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// vectorCandidates takes the top candidate-pool snippets by cosine
// similarity (never fewer than k) and re-ranks them with the lexical
// overlap factor.
func (ix *Index) vectorCandidates(queryVec []float32, terms []string, k int) []Result {
	pool := ix.candidatePool
	if pool < k {
		pool = k
	}
	scored := make([]Result, 0, len(ix.snippets))
	for _, sn := range ix.snippets {
		scored = append(scored, Result{
			Snippet: sn,
			Score:   cosine(queryVec, sn.Vector),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > pool {
		scored = scored[:pool]
	}

	// Combined score = similarity × lexical weight. A snippet with no
	// term overlap keeps its similarity score unchanged.
	for i := range scored {
		lex := lexicalScore(scored[i].Snippet, terms)
		scored[i].Score *= 1 + lex
	}
	return scored
}

// lexicalCandidates scores snippets by term overlap alone, normalized so
// the relevance floor remains meaningful without embeddings.
func (ix *Index) lexicalCandidates(terms []string) []Result {
	if len(terms) == 0 {
		return nil
	}
	maxPossible := float64(3 * len(terms)) // title (2) + body (1) hit per term
	scored := make([]Result, 0, len(ix.snippets))
	for _, sn := range ix.snippets {
		lex := lexicalScore(sn, terms)
		if lex == 0 {
			continue
		}
		scored = append(scored, Result{Snippet: sn, Score: lex / maxPossible})
	}
	return scored
}

// lexicalScore counts query-term hits: 2 per title hit, 1 per body hit.
func lexicalScore(sn Snippet, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(sn.Title)
	body := strings.ToLower(sn.Text)
	score := 0.0
	for _, term := range terms {
		if strings.Contains(title, term) {
			score += 2
		}
		if strings.Contains(body, term) {
			score += 1
		}
	}
	return score
}

// lexicalTerms lowercases and filters query words.
func lexicalTerms(query string) []string {
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if len([]rune(word)) >= minLexicalTermLen {
			terms = append(terms, word)
		}
	}
	return terms
}

// cosine returns the cosine similarity of two vectors, 0 on mismatch.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// String implements fmt.Stringer for logging.
func (r Result) String() string {
	return fmt.Sprintf("%q (%.3f)", r.Snippet.Title, r.Score)
}
