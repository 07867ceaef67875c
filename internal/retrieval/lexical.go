package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"club-assistant/internal/models"
)

// Lexical scores chunks by TF-IDF cosine similarity. Latin text is split into
// lowercase words, Han text into unigrams and bigrams.
type Lexical struct{}

func NewLexical() *Lexical { return &Lexical{} }

func (*Lexical) Name() string { return "lexical" }

type lexicalDoc struct {
	chunk   models.Chunk
	weights map[string]float64
	norm    float64
}

type lexicalSearcher struct {
	docs []lexicalDoc
	idf  map[string]float64
}

func (*Lexical) Build(_ context.Context, chunks []models.Chunk) (Searcher, error) {
	df := map[string]int{}
	tfs := make([]map[string]float64, len(chunks))
	for i, c := range chunks {
		tfs[i] = termFreq(tokenize(c.Section + "\n" + c.Content))
		for term := range tfs[i] {
			df[term]++
		}
	}

	n := float64(len(chunks))
	idf := make(map[string]float64, len(df))
	for term, count := range df {
		idf[term] = math.Log(1 + n/float64(count))
	}

	s := &lexicalSearcher{idf: idf, docs: make([]lexicalDoc, len(chunks))}
	for i, c := range chunks {
		w, norm := weigh(tfs[i], idf)
		s.docs[i] = lexicalDoc{chunk: c, weights: w, norm: norm}
	}
	return s, nil
}

func (s *lexicalSearcher) Search(_ context.Context, query string, k int) ([]models.Chunk, error) {
	q, qnorm := weigh(termFreq(tokenize(query)), s.idf)
	if qnorm == 0 || k <= 0 {
		return nil, nil
	}

	type hit struct {
		pos   int
		score float64
	}
	var hits []hit
	for i, d := range s.docs {
		if d.norm == 0 {
			continue
		}
		var dot float64
		for term, w := range q {
			dot += w * d.weights[term]
		}
		if dot <= 0 {
			continue
		}
		hits = append(hits, hit{pos: i, score: min(1, dot/(qnorm*d.norm))})
	}

	// docs are in source order, so a stable sort breaks ties by source then position
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]models.Chunk, len(hits))
	for i, h := range hits {
		out[i] = s.docs[h.pos].chunk
		out[i].Score = h.score
	}
	return out, nil
}

func weigh(tf map[string]float64, idf map[string]float64) (map[string]float64, float64) {
	w := make(map[string]float64, len(tf))
	var sum float64
	for term, f := range tf {
		v := f * idf[term]
		if v == 0 {
			continue
		}
		w[term] = v
		sum += v * v
	}
	return w, math.Sqrt(sum)
}

func termFreq(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return tf
}

func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder
	var prevHan rune

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
			if prevHan != 0 {
				tokens = append(tokens, string([]rune{prevHan, r}))
			}
			prevHan = r
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
		prevHan = 0
	}
	flush()
	return tokens
}
