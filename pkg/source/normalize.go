package source

import (
	"fmt"
	"html"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/chenjianrui-111/trend-agent/pkg/dedup"
)

var (
	htmlTagRe = regexp.MustCompile(`<[^>]+>`)
	spaceRe   = regexp.MustCompile(`\s+`)
	urlRe     = regexp.MustCompile(`https?://[^\s]+`)
	hashtagRe = regexp.MustCompile(`#([^#\s]{1,80})#?`)
	mentionRe = regexp.MustCompile(`@([A-Za-z0-9_\-\p{Han}]{1,64})`)
)

// Metric keys collectors may use to carry an upstream creation time when PublishedAt is unset.
var publishedKeys = []string{"created_at", "publishedAt", "publish_time", "pubdate", "created", "created_time"}

// Normalize returns a cleaned copy of it: HTML stripped from title and description,
// normalized text filled, URLs, hashtags and mentions extracted, media assets typed,
// timestamps defaulted and the content hash set when the collector left it empty.
func Normalize(it Item, now time.Time) Item {
	out := it.Clone()

	out.Title = cleanText(it.Title)
	out.Description = cleanText(it.Description)
	raw := out.Title + "\n" + out.Description
	out.NormalizedText = cleanText(raw)

	out.ExternalURLs = sortedSet(it.ExternalURLs, urlRe.FindAllString(raw, -1))

	var tags []string
	for _, m := range hashtagRe.FindAllStringSubmatch(raw, -1) {
		tags = append(tags, "#"+m[1]+"#")
	}
	out.Hashtags = sortedSet(it.Hashtags, tags)

	var mentions []string
	for _, m := range mentionRe.FindAllStringSubmatch(raw, -1) {
		mentions = append(mentions, "@"+m[1])
	}
	out.Mentions = sortedSet(it.Mentions, mentions)

	out.MediaURLs = out.MediaURLs[:0]
	out.MediaAssets = nil
	for _, u := range it.MediaURLs {
		if u = strings.TrimSpace(u); u == "" {
			continue
		}
		out.MediaAssets = append(out.MediaAssets, MediaAsset{
			ID:        fmt.Sprintf("%s:%s:%d", it.SourcePlatform, it.SourceID, len(out.MediaURLs)),
			URL:       u,
			MediaType: MediaType(u),
			Origin:    it.SourcePlatform,
		})
		out.MediaURLs = append(out.MediaURLs, u)
	}

	if out.ScrapedAt.IsZero() {
		out.ScrapedAt = now.UTC()
	}
	if out.PublishedAt.IsZero() {
		out.PublishedAt = inferPublished(it.Metrics)
	}
	if out.ContentHash == "" && out.NormalizedText != "" {
		out.ContentHash = dedup.ContentHash(out.NormalizedText)
	}
	return out
}

// MediaType classifies a media URL as image, video or unknown.
func MediaType(rawURL string) string {
	lower := strings.ToLower(rawURL)
	p := lower
	if u, err := url.Parse(lower); err == nil {
		p = u.Path
	}
	switch path.Ext(p) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp":
		return "image"
	case ".mp4", ".mov", ".webm", ".mkv", ".avi":
		return "video"
	}
	if strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be") ||
		strings.Contains(lower, "bilibili.com/video") {
		return "video"
	}
	return "unknown"
}

func cleanText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(s)
	s = htmlTagRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func sortedSet(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func inferPublished(metrics map[string]any) time.Time {
	for _, key := range publishedKeys {
		if t, ok := parseTime(metrics[key]); ok {
			return t
		}
	}
	return time.Time{}
}

func parseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}
		return x.UTC(), true
	case float64:
		if x <= 0 {
			return time.Time{}, false
		}
		return time.Unix(int64(x), 0).UTC(), true
	case int64:
		if x <= 0 {
			return time.Time{}, false
		}
		return time.Unix(x, 0).UTC(), true
	case int:
		if x <= 0 {
			return time.Time{}, false
		}
		return time.Unix(int64(x), 0).UTC(), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
