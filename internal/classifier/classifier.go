// Package classifier decides which discovered catalog links are worth
// crawling and how.
package classifier

import (
	"net/url"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Config lists the first path segments that mark leaf and branch pages.
type Config struct {
	// Host restricts absolute links to the catalog host. Empty accepts any
	// host.
	Host           string
	LeafPrefixes   []string
	BranchPrefixes []string
}

// Classifier maps raw links to task kinds and canonical paths.
type Classifier struct {
	host   string
	leaf   map[string]struct{}
	branch map[string]struct{}
}

// New builds a Classifier. Missing prefixes default to the catalog's
// "learn" leaves and "specializations"/"professional-certificates" branches.
func New(cfg Config) *Classifier {
	leaf := cfg.LeafPrefixes
	if len(leaf) == 0 {
		leaf = []string{"learn"}
	}
	branch := cfg.BranchPrefixes
	if len(branch) == 0 {
		branch = []string{"specializations", "professional-certificates"}
	}
	return &Classifier{
		host:   strings.ToLower(cfg.Host),
		leaf:   toSet(leaf),
		branch: toSet(branch),
	}
}

// Classify returns the link's kind and its canonical path. Ignored links
// return KindIgnore and an empty path.
func (c *Classifier) Classify(raw string) (crawler.Kind, string) {
	path, ok := c.canonicalPath(raw)
	if !ok {
		return crawler.KindIgnore, ""
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return crawler.KindIgnore, ""
	}
	first := segments[0]
	if _, ok := c.leaf[first]; ok {
		return crawler.KindLeaf, path
	}
	if _, ok := c.branch[first]; ok {
		return crawler.KindBranch, path
	}
	return crawler.KindIgnore, ""
}

// canonicalPath strips scheme, host, query and fragment. The path is the
// dedup key, so "/learn/x?utm=1" and "/learn/x" are the same URL.
func (c *Classifier) canonicalPath(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host != "" && c.host != "" && strings.ToLower(u.Hostname()) != c.host {
		return "", false
	}
	if u.Host == "" && u.Scheme != "" {
		return "", false
	}
	path := u.Path
	if !strings.HasPrefix(path, "/") {
		return "", false
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path, true
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.Trim(strings.TrimSpace(v), "/")
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}
