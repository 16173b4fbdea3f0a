// Package version holds the build version and an update checker against
// GitHub releases.
package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Current is the daemon version, overridable at build time via
// -ldflags "-X secureusb/internal/version.Current=...".
var Current = "1.0.0"

const (
	releaseURL  = "https://api.github.com/repos/%s/%s/releases/latest"
	httpTimeout = 10 * time.Second
	cacheTTL    = time.Hour
)

// UpdateInfo is the result of an update check.
type UpdateInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

type release struct {
	TagName    string `json:"tag_name"`
	HTMLURL    string `json:"html_url"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// Checker queries GitHub for the latest release, caching the answer so
// status polls do not hammer the API.
type Checker struct {
	owner  string
	repo   string
	url    string // format string taking owner and repo
	client *http.Client

	mu     sync.Mutex
	cached *UpdateInfo
	expiry time.Time
}

func NewChecker(owner, repo string) *Checker {
	return &Checker{
		owner:  owner,
		repo:   repo,
		url:    releaseURL,
		client: &http.Client{Timeout: httpTimeout},
	}
}

// Check returns the latest release comparison, from cache when fresh. If
// the fetch fails but a stale answer exists, the stale answer is returned.
func (c *Checker) Check() (*UpdateInfo, error) {
	c.mu.Lock()
	if c.cached != nil && time.Now().Before(c.expiry) {
		info := *c.cached
		c.mu.Unlock()
		return &info, nil
	}
	c.mu.Unlock()

	info, err := c.fetch()
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.cached != nil {
			stale := *c.cached
			stale.CheckedAt = time.Now()
			return &stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cached = info
	c.expiry = time.Now().Add(cacheTTL)
	c.mu.Unlock()
	return info, nil
}

// ForceCheck bypasses the cache and fetches fresh data.
func (c *Checker) ForceCheck() (*UpdateInfo, error) {
	info, err := c.fetch()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = info
	c.expiry = time.Now().Add(cacheTTL)
	c.mu.Unlock()
	return info, nil
}

func (c *Checker) fetch() (*UpdateInfo, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf(c.url, c.owner, c.repo), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "secureusb/"+Current)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release info: %w", err)
	}
	defer resp.Body.Close()

	noUpdate := &UpdateInfo{
		CurrentVersion: Current,
		LatestVersion:  Current,
		CheckedAt:      time.Now(),
	}

	// A repo with no releases yet is not an error.
	if resp.StatusCode == http.StatusNotFound {
		return noUpdate, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github api returned status %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release info: %w", err)
	}
	if rel.Draft || rel.Prerelease {
		return noUpdate, nil
	}

	latest := strings.TrimPrefix(strings.TrimSpace(rel.TagName), "v")
	return &UpdateInfo{
		CurrentVersion:  Current,
		LatestVersion:   latest,
		UpdateAvailable: Compare(Current, latest) < 0,
		ReleaseURL:      rel.HTMLURL,
		CheckedAt:       time.Now(),
	}, nil
}

// Compare orders two dotted versions: -1 when a < b, 0 when equal, 1 when
// a > b. Missing components count as zero; non-numeric suffixes are
// ignored.
func Compare(a, b string) int {
	pa, pb := parse(a), parse(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func parse(v string) [3]int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v = v[:i]
	}

	var out [3]int
	parts := strings.Split(v, ".")
	for i := 0; i < len(parts) && i < 3; i++ {
		digits := parts[i]
		for j, r := range digits {
			if r < '0' || r > '9' {
				digits = digits[:j]
				break
			}
		}
		if n, err := strconv.Atoi(digits); err == nil {
			out[i] = n
		}
	}
	return out
}
