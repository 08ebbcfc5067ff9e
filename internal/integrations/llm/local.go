package llm

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"
)

type labeledExample struct {
	Text   string
	Intent string
}

type sparseVec = map[int]float64

type tfidfIndex struct {
	vocab map[string]int
	idf   []float64
	docs  []sparseVec
	items []labeledExample
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	var tokens []string
	var cur strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func buildTFIDFIndex(items []labeledExample) *tfidfIndex {
	if len(items) == 0 {
		return &tfidfIndex{vocab: make(map[string]int)}
	}

	vocab := make(map[string]int)
	for _, item := range items {
		for _, tok := range tokenize(item.Text) {
			if _, ok := vocab[tok]; !ok {
				vocab[tok] = len(vocab)
			}
		}
	}

	df := make([]int, len(vocab))
	docs := make([]sparseVec, len(items))
	n := float64(len(items))

	for i, item := range items {
		tf := make(map[int]int)
		for _, tok := range tokenize(item.Text) {
			if idx, ok := vocab[tok]; ok {
				tf[idx]++
			}
		}
		vec := make(sparseVec, len(tf))
		for idx, count := range tf {
			vec[idx] = float64(count)
			df[idx]++
		}
		docs[i] = vec
	}

	idf := make([]float64, len(vocab))
	for i, d := range df {
		if d > 0 {
			idf[i] = math.Log(n/float64(d)) + 1.0
		}
	}
	for _, vec := range docs {
		for idx := range vec {
			vec[idx] *= idf[idx]
		}
	}

	return &tfidfIndex{vocab: vocab, idf: idf, docs: docs, items: items}
}

func (idx *tfidfIndex) queryVec(query string) sparseVec {
	tf := make(map[int]int)
	for _, tok := range tokenize(query) {
		if i, ok := idx.vocab[tok]; ok {
			tf[i]++
		}
	}
	vec := make(sparseVec, len(tf))
	for i, count := range tf {
		vec[i] = float64(count) * idx.idf[i]
	}
	return vec
}

type intentScore struct {
	intent string
	score  float64
}

// rankIntents scores each intent by its best-matching example.
func (idx *tfidfIndex) rankIntents(query string) []intentScore {
	qvec := idx.queryVec(query)
	if len(qvec) == 0 {
		return nil
	}
	best := make(map[string]float64)
	for i, dvec := range idx.docs {
		sim := cosineSim(qvec, dvec)
		intent := idx.items[i].Intent
		if sim > best[intent] {
			best[intent] = sim
		}
	}
	out := make([]intentScore, 0, len(best))
	for intent, score := range best {
		if score > 0 {
			out = append(out, intentScore{intent, score})
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].score == out[b].score {
			return out[a].intent < out[b].intent
		}
		return out[a].score > out[b].score
	})
	return out
}

func cosineSim(a, b sparseVec) float64 {
	var dot, normA, normB float64
	for i, va := range a {
		if vb, ok := b[i]; ok {
			dot += va * vb
		}
		normA += va * va
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Local classifies by TF-IDF similarity against the flow's intent examples
// and hints. It needs no network and is the default classifier.
type Local struct {
	minConfidence float64
}

func NewLocal(minConfidence float64) *Local {
	return &Local{minConfidence: minConfidence}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Classify(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res := Result{Provider: l.Name()}
	if strings.TrimSpace(req.Text) == "" {
		return res, nil
	}

	var items []labeledExample
	for intent, examples := range req.Examples {
		items = append(items, labeledExample{Text: intent, Intent: intent})
		for _, ex := range examples {
			items = append(items, labeledExample{Text: ex, Intent: intent})
		}
	}
	for _, h := range req.Hints {
		items = append(items, labeledExample{Text: h, Intent: strings.ToLower(h)})
	}
	// Map iteration order must not leak into scores.
	sort.Slice(items, func(a, b int) bool {
		if items[a].Intent == items[b].Intent {
			return items[a].Text < items[b].Text
		}
		return items[a].Intent < items[b].Intent
	})

	ranked := buildTFIDFIndex(items).rankIntents(req.Text)
	if len(ranked) == 0 {
		return res, nil
	}
	res.Confidence = math.Min(ranked[0].score, 1)
	if res.Confidence >= l.minConfidence {
		res.Intent = ranked[0].intent
	}
	return res, nil
}
