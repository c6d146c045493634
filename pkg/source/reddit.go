package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	redditAuthURL = "https://www.reddit.com/api/v1/access_token"
	redditAPIURL  = "https://oauth.reddit.com"
)

// Reddit collects posts from subreddits through the OAuth API.
type Reddit struct {
	client       *http.Client
	authURL      string
	apiURL       string
	clientID     string
	clientSecret string
	subreddits   []string
	mu           sync.Mutex
	token        string
	tokenExpiry  time.Time
}

// NewReddit creates a new Reddit collector.
func NewReddit(clientID, clientSecret string, subreddits []string) *Reddit {
	if len(subreddits) == 0 {
		subreddits = []string{"MachineLearning", "artificial", "LocalLLaMA", "programming"}
	}
	return &Reddit{
		client:       &http.Client{Timeout: 30 * time.Second},
		authURL:      redditAuthURL,
		apiURL:       redditAPIURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		subreddits:   subreddits,
	}
}

// WithEndpoints overrides the token and API roots.
func (r *Reddit) WithEndpoints(authURL, apiURL string) *Reddit {
	r.authURL = authURL
	r.apiURL = strings.TrimRight(apiURL, "/")
	return r
}

func (r *Reddit) Name() string { return PlatformReddit }

func (r *Reddit) Scrape(ctx context.Context, q Query) ([]Item, error) {
	token, err := r.authenticate(ctx)
	if err != nil {
		return nil, fmt.Errorf("reddit auth: %w", err)
	}

	listing := "hot"
	if q.CaptureMode == CaptureByTime {
		listing = "new"
	}
	perSub := clampInt(q.Limit, 10, 100)

	var (
		allItems []Item
		errs     []string
	)
	for _, sub := range r.subreddits {
		items, err := r.fetchSubreddit(ctx, token, sub, listing, perSub, q)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		allItems = append(allItems, items...)
	}
	if len(errs) == len(r.subreddits) {
		return nil, fmt.Errorf("all subreddits failed: %s", strings.Join(errs, "; "))
	}
	return allItems, nil
}

func (r *Reddit) authenticate(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && time.Now().Before(r.tokenExpiry) {
		return r.token, nil
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.authURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}

	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "trend-agent/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reddit token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reddit auth status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode reddit token: %w", err)
	}

	r.token = tokenResp.AccessToken
	r.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn-60) * time.Second)
	return r.token, nil
}

func (r *Reddit) fetchSubreddit(ctx context.Context, token, subreddit, listing string, limit int, q Query) ([]Item, error) {
	reqURL := fmt.Sprintf("%s/r/%s/%s.json?limit=%d", r.apiURL, subreddit, listing, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "trend-agent/1.0")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch r/%s: %w", subreddit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reddit r/%s status %d", subreddit, resp.StatusCode)
	}

	var body redditListing
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode r/%s: %w", subreddit, err)
	}

	now := time.Now().UTC()
	var items []Item
	for _, child := range body.Data.Children {
		post := child.Data
		if post.Stickied {
			continue
		}
		if !matchesText(q.Text, post.Title+" "+post.Selftext) {
			continue
		}
		published := time.Unix(int64(post.CreatedUTC), 0).UTC()
		if !q.InWindow(published) {
			continue
		}

		postURL := post.URL
		if postURL == "" || strings.HasPrefix(postURL, "/r/") {
			postURL = "https://reddit.com" + post.Permalink
		}
		var media []string
		if post.PostHint == "image" || post.IsVideo {
			media = []string{post.URL}
		}

		items = append(items, Item{
			ItemID:          fmt.Sprintf("reddit:%s", post.ID),
			SourcePlatform:  PlatformReddit,
			SourceChannel:   "r/" + subreddit,
			SourceType:      "post",
			SourceID:        post.ID,
			SourceURL:       "https://reddit.com" + post.Permalink,
			Title:           post.Title,
			Description:     truncate(post.Selftext, 1000),
			Author:          post.Author,
			EngagementScore: float64(post.Score + post.NumComments*2),
			Tags:            []string{subreddit},
			ExternalURLs:    []string{postURL},
			MediaURLs:       media,
			PublishedAt:     published,
			ScrapedAt:       now,
			Metrics: map[string]any{
				"subreddit":    subreddit,
				"score":        post.Score,
				"comments":     post.NumComments,
				"upvote_ratio": post.UpvoteRatio,
			},
		})
	}

	return items, nil
}

func (r *Reddit) HealthCheck(ctx context.Context) Health {
	if _, err := r.authenticate(ctx); err != nil {
		return Health{Source: PlatformReddit, Status: StatusUnhealthy, Detail: err.Error()}
	}
	return Health{Source: PlatformReddit, Status: StatusHealthy}
}

func (r *Reddit) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func matchesText(query, text string) bool {
	var f *Filter
	return f.Matches(query, text)
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	CreatedUTC  float64 `json:"created_utc"`
	Stickied    bool    `json:"stickied"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	PostHint    string  `json:"post_hint"`
	IsVideo     bool    `json:"is_video"`
}
