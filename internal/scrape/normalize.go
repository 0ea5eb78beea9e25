package scrape

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

// Short links the source injects into body text, always this shape.
var shortLinkRE = regexp.MustCompile(`https://t\.co/\w+`)

var stripPolicy = bluemonday.StrictPolicy()

// Normalize converts one raw item into the canonical record. It is
// best-effort: malformed fields are skipped or zeroed rather than
// failing the item, and it never fails the page.
func Normalize(raw RawItem) feedshare.Record {
	avatar := raw.User.ProfileImageURLHTTPS
	if avatar == "" {
		avatar = raw.User.ProfileImageURL
	}

	return feedshare.Record{
		Username:   raw.User.ScreenName,
		Name:       raw.User.Name,
		Verified:   raw.User.IsBlueVerified,
		AvatarURL:  avatar,
		Text:       cleanText(raw.FullText),
		ItemID:     raw.ID,
		CreatedAt:  parseCreatedAt(raw.CreatedAt),
		Permalink:  fmt.Sprintf("https://twitter.com/%s/status/%s", raw.User.ScreenName, raw.ID),
		Media:      mediaURLs(raw.Media),
		LikeCount:  raw.FavoriteCount,
		ShareCount: raw.RetweetCount,
		ReplyCount: raw.ReplyCount,
		ViewCount:  raw.ViewCount,
	}
}

// Removes the source's short-link markup and any html that made it
// through the scrape, then trims whitespace.
func cleanText(s string) string {
	s = shortLinkRE.ReplaceAllString(s, "")
	s = stripPolicy.Sanitize(s)

	return strings.TrimSpace(s)
}

// mediaURLs picks one usable URL per media entry. Entries without a
// usable URL are skipped, never placeholder-filled.
func mediaURLs(media []RawMedia) []string {
	urls := []string{}
	for _, m := range media {
		switch m.Type {
		case "photo":
			// Prefer the secure variant, fall back to plain.
			url := m.MediaURLHTTPS
			if url == "" {
				url = m.MediaURL
			}
			if url != "" {
				urls = append(urls, url)
			}
		case "video", "animated_gif":
			if len(m.Streams) == 0 {
				continue
			}
			// The source orders encoded variants ascending by bitrate, so
			// the last one is the best available. There is no explicit
			// quality field to check against.
			if url := m.Streams[len(m.Streams)-1].URL; url != "" {
				urls = append(urls, url)
			}
		}
	}

	return urls
}

// The sidecar passes timestamps through in the source's legacy format,
// with RFC3339 as a fallback. A timestamp that parses as neither is
// left zero rather than dropping the item.
func parseCreatedAt(s string) time.Time {
	if t, err := time.Parse(time.RubyDate, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}

	return time.Time{}
}
