package episodic

import "strings"

// tokenize lowercases and splits text on anything that isn't a letter
// or digit. It is the shared vocabulary extraction used by both the
// keyword-search fallback and pattern extraction's clustering.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return fields
}

// termFrequency returns each token's frequency within tokens.
func termFrequency(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	if len(tokens) == 0 {
		return tf
	}
	for t := range tf {
		tf[t] /= float64(len(tokens))
	}
	return tf
}

// keywordScore is TF-weighted set overlap between a query and a
// document: the sum, over tokens present in both, of the product of
// their term frequencies. It has no normalization beyond that implied
// by TF, which is sufficient to rank documents relative to one
// another for a single query.
func keywordScore(queryTF, docTF map[string]float64) float64 {
	var score float64
	for t, qf := range queryTF {
		if df, ok := docTF[t]; ok {
			score += qf * df
		}
	}
	return score
}

// jaccard computes the Jaccard similarity of two token sets.
func jaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	var intersection int
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
