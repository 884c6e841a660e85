package episodic

import (
	"path"
	"sort"
	"strings"

	"meridian.dev/server/internal/model"
)

// DefaultClusterJaccard is the minimum query-vocabulary overlap for
// two episodes to join the same pattern cluster.
const DefaultClusterJaccard = 0.3

// ExtractPatterns groups episodes by shared query vocabulary and
// touched-file directory prefix, emitting advisory Pattern records. It
// is deterministic for a given input slice: output order is by
// descending cluster size, then by name.
func ExtractPatterns(episodes []model.Episode) []model.Pattern {
	if len(episodes) == 0 {
		return nil
	}

	assigned := make([]bool, len(episodes))
	var clusters [][]int

	for i := range episodes {
		if assigned[i] {
			continue
		}
		cluster := []int{i}
		assigned[i] = true
		vocabI := queryVocabulary(episodes[i])
		dirI := commonDirPrefix(episodes[i].TouchedFiles)

		for j := i + 1; j < len(episodes); j++ {
			if assigned[j] {
				continue
			}
			vocabJ := queryVocabulary(episodes[j])
			dirJ := commonDirPrefix(episodes[j].TouchedFiles)

			sameDir := dirI != "" && dirI == dirJ
			similarVocab := jaccard(vocabI, vocabJ) >= DefaultClusterJaccard
			if sameDir || similarVocab {
				cluster = append(cluster, j)
				assigned[j] = true
			}
		}
		clusters = append(clusters, cluster)
	}

	patterns := make([]model.Pattern, 0, len(clusters))
	for _, cluster := range clusters {
		ids := make([]string, len(cluster))
		for i, idx := range cluster {
			ids[i] = episodes[idx].ID
		}
		sort.Strings(ids)
		patterns = append(patterns, model.Pattern{
			Name:       clusterName(episodes, cluster),
			EpisodeIDs: ids,
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i].EpisodeIDs) != len(patterns[j].EpisodeIDs) {
			return len(patterns[i].EpisodeIDs) > len(patterns[j].EpisodeIDs)
		}
		return patterns[i].Name < patterns[j].Name
	})
	return patterns
}

func queryVocabulary(ep model.Episode) []string {
	var tokens []string
	for _, q := range ep.Queries {
		tokens = append(tokens, tokenize(q)...)
	}
	tokens = append(tokens, tokenize(ep.TaskDescription)...)
	return tokens
}

// commonDirPrefix returns the parent directory of the given paths when
// every path has the same immediate parent, or "" otherwise.
func commonDirPrefix(files []string) string {
	if len(files) == 0 {
		return ""
	}
	dir := path.Dir(files[0])
	for _, f := range files[1:] {
		if path.Dir(f) != dir {
			return ""
		}
	}
	return dir
}

// clusterName derives a readable, deterministic name for a cluster
// from the parent directory shared by all its touched files (if any) or its dominant
// query token otherwise.
func clusterName(episodes []model.Episode, cluster []int) string {
	if dir := commonDirPrefix(flattenTouchedFiles(episodes, cluster)); dir != "" && dir != "." {
		return strings.TrimPrefix(dir, "/")
	}

	freq := make(map[string]int)
	for _, idx := range cluster {
		for _, t := range queryVocabulary(episodes[idx]) {
			freq[t]++
		}
	}
	var best string
	var bestCount int
	for t, c := range freq {
		if c > bestCount || (c == bestCount && t < best) {
			best, bestCount = t, c
		}
	}
	if best == "" {
		return "pattern"
	}
	return best
}

func flattenTouchedFiles(episodes []model.Episode, cluster []int) []string {
	var files []string
	for _, idx := range cluster {
		files = append(files, episodes[idx].TouchedFiles...)
	}
	return files
}
