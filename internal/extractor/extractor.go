// Package extractor pulls course records and links out of catalog markup
// with goquery selectors.
package extractor

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Selectors locate each record field in a page.
type Selectors struct {
	Breadcrumbs string `mapstructure:"breadcrumbs"`
	Name        string `mapstructure:"name"`
	Ratings     string `mapstructure:"ratings"`
	Students    string `mapstructure:"students"`
	Instructor  string `mapstructure:"instructor"`
	Description string `mapstructure:"description"`
	Providers   string `mapstructure:"providers"`
}

// DefaultSelectors match the catalog's course and specialization pages.
func DefaultSelectors() Selectors {
	return Selectors{
		Breadcrumbs: "[role=navigation][aria-label=breadcrumbs] a",
		Name:        "[data-test=banner-title-container]",
		Ratings:     "[data-test=ratings-count-without-asterisks]",
		Students:    ".rc-ProductMetrics",
		Instructor:  ".rc-InstructorListSection .instructor-name",
		Description: ".description",
		Providers:   ".PartnerList h3",
	}
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	if s.Breadcrumbs == "" {
		s.Breadcrumbs = d.Breadcrumbs
	}
	if s.Name == "" {
		s.Name = d.Name
	}
	if s.Ratings == "" {
		s.Ratings = d.Ratings
	}
	if s.Students == "" {
		s.Students = d.Students
	}
	if s.Instructor == "" {
		s.Instructor = d.Instructor
	}
	if s.Description == "" {
		s.Description = d.Description
	}
	if s.Providers == "" {
		s.Providers = d.Providers
	}
	return s
}

var nonDigits = regexp.MustCompile(`\D+`)

// Extractor implements crawler.Extractor.
type Extractor struct {
	sel Selectors
}

// New builds an Extractor; empty selectors take their defaults.
func New(sel Selectors) *Extractor {
	return &Extractor{sel: sel.withDefaults()}
}

// Extract returns the page's record. Any missing required element yields
// false: a page of the wrong shape has no record.
func (e *Extractor) Extract(body []byte) (crawler.Record, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Record{}, false
	}

	crumbs := doc.Find(e.sel.Breadcrumbs)
	if crumbs.Length() < 2 {
		return crawler.Record{}, false
	}
	rec := crawler.Record{
		CategoryPath: strings.TrimSpace(crumbs.Eq(1).AttrOr("href", "")),
		Category:     cleanText(crumbs.Last().Text()),
	}

	var ok bool
	if rec.Name, ok = firstText(doc, e.sel.Name); !ok {
		return crawler.Record{}, false
	}
	if rec.RatingCount, ok = firstCount(doc, e.sel.Ratings); !ok {
		return crawler.Record{}, false
	}
	if rec.PopulationCount, ok = firstCount(doc, e.sel.Students); !ok {
		return crawler.Record{}, false
	}
	if rec.PrimaryPerson, ok = firstPerson(doc, e.sel.Instructor); !ok {
		return crawler.Record{}, false
	}
	if rec.Description, ok = firstText(doc, e.sel.Description); !ok {
		return crawler.Record{}, false
	}
	doc.Find(e.sel.Providers).Each(func(_ int, s *goquery.Selection) {
		if text := cleanText(s.Text()); text != "" {
			rec.Providers = append(rec.Providers, text)
		}
	})
	return rec, true
}

// Links returns the href of every element matching selector, in document
// order and without repeats.
func (e *Extractor) Links(body []byte, selector string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	seen := make(map[string]struct{})
	var links []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		href = strings.TrimSpace(href)
		if !ok || href == "" {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links, nil
}

func firstText(doc *goquery.Document, selector string) (string, bool) {
	node := doc.Find(selector).First()
	if node.Length() == 0 {
		return "", false
	}
	return cleanText(node.Text()), true
}

func firstCount(doc *goquery.Document, selector string) (int64, bool) {
	text, ok := firstText(doc, selector)
	if !ok {
		return 0, false
	}
	digits := nonDigits.ReplaceAllString(text, "")
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// firstPerson reads only the element's own text nodes, skipping nested
// badges and titles. It falls back to the full text when there are none.
func firstPerson(doc *goquery.Document, selector string) (string, bool) {
	node := doc.Find(selector).First()
	if node.Length() == 0 {
		return "", false
	}
	var parts []string
	node.Contents().Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) != "#text" {
			return
		}
		if text := cleanText(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return cleanText(node.Text()), true
	}
	return strings.Join(parts, " "), true
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
