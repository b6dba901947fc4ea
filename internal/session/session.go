// Package session maps user-supplied category names to crawl session keys.
package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var separatorRun = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize converts a category name into its session key:
// "Data Science" becomes "data-science".
func Normalize(category string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(category))
	key = separatorRun.ReplaceAllString(key, "-")
	key = strings.Trim(key, "-")
	if key == "" {
		return "", fmt.Errorf("%w: %q", crawler.ErrInvalidCategory, category)
	}
	return key, nil
}

// RootPath renders the session's entry point from a pattern such as
// "/browse/%s".
func RootPath(pattern, key string) string {
	if !strings.Contains(pattern, "%s") {
		return strings.TrimRight(pattern, "/") + "/" + key
	}
	return fmt.Sprintf(pattern, key)
}

// ExportPath is where a session's finished CSV lives in the blob store.
func ExportPath(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key + ".csv"
	}
	return prefix + "/" + key + ".csv"
}
