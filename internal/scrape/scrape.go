// Package scrape talks to the timeline scraper sidecar and converts
// its raw items into normalized records.
//
// The sidecar drives the actual scraping session; this package treats
// its cookie format and pagination protocol as opaque.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type (
	// RawItem is one timeline item as the sidecar returns it.
	RawItem struct {
		ID            string     `json:"id"`
		FullText      string     `json:"full_text"`
		CreatedAt     string     `json:"created_at"`
		FavoriteCount int        `json:"favorite_count"`
		RetweetCount  int        `json:"retweet_count"`
		ReplyCount    int        `json:"reply_count"`
		ViewCount     int        `json:"view_count"`
		User          RawAuthor  `json:"user"`
		Media         []RawMedia `json:"media"`
	}

	RawAuthor struct {
		ScreenName           string `json:"screen_name"`
		Name                 string `json:"name"`
		IsBlueVerified       bool   `json:"is_blue_verified"`
		ProfileImageURLHTTPS string `json:"profile_image_url_https"`
		ProfileImageURL      string `json:"profile_image_url"`
	}

	// RawMedia carries both photo URLs and video stream variants;
	// which fields are populated depends on Type.
	RawMedia struct {
		Type          string      `json:"type"`
		MediaURLHTTPS string      `json:"media_url_https"`
		MediaURL      string      `json:"media_url"`
		Streams       []RawStream `json:"streams"`
	}

	RawStream struct {
		URL string `json:"url"`
	}
)

// How long to wait between page requests so the scraping session
// isn't hammered.
const pageFetchDelay = 3 * time.Second

// Client fetches timelines from the scraper sidecar.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pageDelay  time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		pageDelay: pageFetchDelay,
	}
}

type (
	timelineReq struct {
		Cookies  json.RawMessage `json:"cookies"`
		PageSize int             `json:"count"`
		Cursor   string          `json:"cursor,omitempty"`
	}

	timelineResp struct {
		Items      []RawItem `json:"items"`
		NextCursor string    `json:"next_cursor"`
	}
)

// Timeline starts a paged timeline fetch using the given opaque cookie
// bundle. Pages are pulled lazily through the returned pager.
func (c *Client) Timeline(ctx context.Context, bundle []byte, pageSize int) (*Pager, error) {
	return &Pager{
		client:   c,
		bundle:   bundle,
		pageSize: pageSize,
	}, nil
}

// Pager walks the sidecar's cursor pagination. Next returns (nil, nil)
// once the timeline is exhausted.
type Pager struct {
	client   *Client
	bundle   []byte
	pageSize int

	cursor  string
	started bool
	done    bool
}

func (p *Pager) Next(ctx context.Context) ([]RawItem, error) {
	if p.done {
		return nil, nil
	}

	// Space out page requests after the first one.
	if p.started && p.client.pageDelay > 0 {
		select {
		case <-time.After(p.client.pageDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.started = true

	body, err := json.Marshal(timelineReq{
		Cookies:  json.RawMessage(p.bundle),
		PageSize: p.pageSize,
		Cursor:   p.cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding timeline request: %s", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.client.baseURL+"/v1/timeline", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error creating timeline request: %s", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching timeline page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from scraper: %d", resp.StatusCode)
	}

	var page timelineResp
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("error decoding timeline page: %w", err)
	}

	p.cursor = page.NextCursor
	if p.cursor == "" || len(page.Items) == 0 {
		p.done = true
	}

	return page.Items, nil
}
