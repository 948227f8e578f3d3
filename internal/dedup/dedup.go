// Package dedup provides URL normalization and duplicate detection for the
// task queue.
//
// Two URLs are considered duplicates when either their normalized forms hash
// identically or they resolve to the same platform item id (e.g. the same
// video watched through two differently-tracked links).
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

// trackingParams are query keys that never affect the fetched content.
var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"ref":    {},
	"source": {},
	"share":  {},
}

// Normalize canonicalizes a URL for comparison.
//
// Rules:
//   - scheme lowercased; http upgraded to https
//   - host lowercased
//   - tracking query params removed (utm_*, fbclid, gclid, ref, source, share)
//   - remaining query keys sorted lexicographically
//   - trailing slash stripped from the path (except root "/")
//   - fragment dropped
//
// URLs that fail to parse are returned trimmed but otherwise untouched, so a
// malformed submission still dedups against an identical resubmission.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "http" {
		scheme = "https"
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)

	q := u.Query()
	for k := range q {
		if isTrackingParam(k) {
			q.Del(k)
		}
	}
	// url.Values.Encode sorts by key.
	u.RawQuery = q.Encode()

	if u.Path != "/" {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	u.Fragment = ""

	return u.String()
}

func isTrackingParam(k string) bool {
	if strings.HasPrefix(k, "utm_") {
		return true
	}
	_, ok := trackingParams[k]
	return ok
}

// Hash returns the sha256 hex digest of the normalized URL. Stored alongside
// the task row so duplicate lookup is a single indexed equality probe.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(Normalize(raw)))
	return hex.EncodeToString(sum[:])
}

// platformRule extracts a native item id from URLs of one platform.
// Host is matched as a substring of the lowercased URL; the first matching
// rule wins.
type platformRule struct {
	name string
	host string
	re   *regexp.Regexp
	// group is the capture group holding the item id.
	group int
}

var platformRules = []platformRule{
	{name: "pornhub", host: "pornhub.com", re: regexp.MustCompile(`(?i)viewkey=([a-f0-9]+)`), group: 1},
	{name: "youtube", host: "youtu", re: nil}, // special-cased below
	{name: "xvideos", host: "xvideos.com", re: regexp.MustCompile(`/video([0-9]+)/`), group: 1},
	{name: "xhamster", host: "xhamster.com", re: regexp.MustCompile(`/videos/[^/]+-([0-9]+)`), group: 1},
	{name: "redtube", host: "redtube.com", re: regexp.MustCompile(`/([0-9]+)`), group: 1},
	{name: "twitter", host: "twitter.com", re: regexp.MustCompile(`/status/([0-9]+)`), group: 1},
	{name: "twitter", host: "x.com", re: regexp.MustCompile(`/status/([0-9]+)`), group: 1},
	{name: "reddit", host: "reddit.com", re: regexp.MustCompile(`/comments/([a-z0-9]+)`), group: 1},
	{name: "spankbang", host: "spankbang.com", re: regexp.MustCompile(`/([a-z0-9]+)/video/`), group: 1},
	{name: "onlyfans", host: "onlyfans.com", re: regexp.MustCompile(`/([0-9]+)/`), group: 1},
}

// PlatformID extracts a "platform:id" pair from the URL for platform-level
// deduplication, independent of query-string noise. Returns "" when no rule
// matches; callers then fall back to hash-only comparison.
func PlatformID(raw string) string {
	lower := strings.ToLower(raw)

	for _, r := range platformRules {
		if !strings.Contains(lower, r.host) {
			continue
		}
		if r.name == "youtube" {
			if id := youtubeID(raw, lower); id != "" {
				return "youtube:" + id
			}
			continue
		}
		m := r.re.FindStringSubmatch(raw)
		if len(m) > r.group && m[r.group] != "" {
			return r.name + ":" + m[r.group]
		}
	}
	return ""
}

// youtubeID handles both long-form watch URLs (?v=) and youtu.be short links.
func youtubeID(raw, lower string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if strings.Contains(lower, "youtu.be") {
		return strings.Trim(u.Path, "/")
	}
	if strings.Contains(lower, "youtube.com") {
		return u.Query().Get("v")
	}
	return ""
}
