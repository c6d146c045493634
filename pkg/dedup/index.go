package dedup

import (
	"sort"
	"strings"
)

// DefaultThreshold is the Hamming distance at or below which two fingerprints are
// near-duplicates.
const DefaultThreshold = 5

// Index accumulates exact digests and SimHash fingerprints for one batch.
// It is not safe for concurrent use; each scrape run owns its own Index.
type Index struct {
	threshold    int
	exact        map[string]struct{}
	fingerprints []uint64
}

// NewIndex creates an empty index. A negative threshold falls back to DefaultThreshold.
func NewIndex(threshold int) *Index {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Index{
		threshold: threshold,
		exact:     make(map[string]struct{}),
	}
}

// Threshold returns the configured Hamming distance threshold.
func (x *Index) Threshold() int { return x.threshold }

// IsDuplicate reports whether text (with its media) was already added exactly, or
// whether its fingerprint is within the threshold of any added fingerprint.
func (x *Index) IsDuplicate(text string, mediaURLs []string) bool {
	if _, ok := x.exact[exactKey(text, mediaURLs)]; ok {
		return true
	}

	fp := SimHash(text)
	if fp == 0 {
		return false
	}
	for _, existing := range x.fingerprints {
		if HammingDistance(fp, existing) <= x.threshold {
			return true
		}
	}
	return false
}

// Add records text and its media.
func (x *Index) Add(text string, mediaURLs []string) {
	x.exact[exactKey(text, mediaURLs)] = struct{}{}
	// a zero fingerprint carries no content and would match every other empty text
	if fp := SimHash(text); fp != 0 {
		x.fingerprints = append(x.fingerprints, fp)
	}
}

// CheckAndAdd adds text unless it is a duplicate and reports whether it was one.
func (x *Index) CheckAndAdd(text string, mediaURLs []string) bool {
	if x.IsDuplicate(text, mediaURLs) {
		return true
	}
	x.Add(text, mediaURLs)
	return false
}

// CheckAndAddKey dedups on an exact key only. Items without text use their
// platform-native identity here instead of entering the approximate scan.
func (x *Index) CheckAndAddKey(key string) bool {
	k := "key:" + digest(key)
	if _, ok := x.exact[k]; ok {
		return true
	}
	x.exact[k] = struct{}{}
	return false
}

// Clear resets exact and approximate state.
func (x *Index) Clear() {
	x.exact = make(map[string]struct{})
	x.fingerprints = x.fingerprints[:0]
}

// Len returns the number of distinct exact keys recorded.
func (x *Index) Len() int { return len(x.exact) }

func exactKey(text string, mediaURLs []string) string {
	body := compact(text)
	if len(mediaURLs) == 0 {
		return digest(body)
	}
	media := make([]string, 0, len(mediaURLs))
	for _, u := range mediaURLs {
		if u = strings.TrimSpace(u); u != "" {
			media = append(media, u)
		}
	}
	sort.Strings(media)
	return digest(body + "\n" + strings.Join(media, "\n"))
}
