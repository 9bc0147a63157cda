// Package parser extracts listing records from guest job-search result pages.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

const (
	cardSelector       = "li"
	titleSelector      = "h3.base-search-card__title"
	companySelector    = "h4.base-search-card__subtitle"
	companyLinkSel     = "h4.base-search-card__subtitle a"
	locationSelector   = "span.job-search-card__location"
	linkSelector       = "a.base-card__full-link"
	postedSelector     = "time.job-search-card__listdate, time.job-search-card__listdate--new"
	benefitSelector    = "span.job-posting-benefits__text, span.result-benefits__text"
	fallbackLinkSelect = "a[href*='/jobs/view/']"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// errNoUsableCards is wrapped into a ParseError when a page has listing
// cards but none of them carries the required fields.
var errNoUsableCards = errors.New("no card carried a title and link")

// Parser implements crawler.Parser for LinkedIn's seeMoreJobPostings fragment.
// Only title and link are required per card; other fields are filled when present.
type Parser struct{}

// New returns a Parser.
func New() *Parser { return &Parser{} }

// Parse decodes content to UTF-8 and extracts one record per job card.
// A page without cards yields an empty slice.
func (p *Parser) Parse(content []byte, contentType string) ([]crawler.ListingRecord, error) {
	data, err := toUTF8(content, contentType)
	if err != nil {
		return nil, &crawler.ParseError{Err: err}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, &crawler.ParseError{Err: fmt.Errorf("build document: %w", err)}
	}

	var (
		records []crawler.ListingRecord
		cards   int
	)
	doc.Find(cardSelector).Each(func(_ int, s *goquery.Selection) {
		c := card{s}
		if !c.looksLikeListing() {
			return
		}
		cards++
		if rec, ok := c.record(); ok {
			records = append(records, rec)
		}
	})

	if cards > 0 && len(records) == 0 {
		return nil, &crawler.ParseError{Err: errNoUsableCards}
	}
	return records, nil
}

func toUTF8(content []byte, contentType string) ([]byte, error) {
	enc, _, _ := charset.DetermineEncoding(content, contentType)
	decoded, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		if !utf8.Valid(content) {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		return content, nil
	}
	return decoded, nil
}

// card wraps one result item. Accessors report absence with a bool instead
// of failing, since most fields are optional.
type card struct {
	sel *goquery.Selection
}

func (c card) looksLikeListing() bool {
	return c.sel.Find(titleSelector).Length() > 0 ||
		c.sel.Find(linkSelector).Length() > 0 ||
		c.sel.HasClass("base-card") || c.sel.Find(".base-card").Length() > 0
}

func (c card) text(selector string) (string, bool) {
	found := c.sel.Find(selector).First()
	if found.Length() == 0 {
		return "", false
	}
	value := clean(found.Text())
	return value, value != ""
}

func (c card) attr(selector, name string) (string, bool) {
	found := c.sel.Find(selector).First()
	if found.Length() == 0 {
		return "", false
	}
	value, ok := found.Attr(name)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func (c card) record() (crawler.ListingRecord, bool) {
	title, ok := c.text(titleSelector)
	if !ok {
		return crawler.ListingRecord{}, false
	}
	link, ok := c.attr(linkSelector, "href")
	if !ok {
		if link, ok = c.attr(fallbackLinkSelect, "href"); !ok {
			return crawler.ListingRecord{}, false
		}
	}

	rec := crawler.ListingRecord{
		Title: title,
		URL:   crawler.CanonicalURL(link),
	}
	rec.Company, _ = c.text(companySelector)
	if href, ok := c.attr(companyLinkSel, "href"); ok {
		rec.CompanyURL = crawler.CanonicalURL(href)
	}
	rec.Location, _ = c.text(locationSelector)
	rec.Benefit, _ = c.text(benefitSelector)
	rec.PostedAt, _ = c.attr(postedSelector, "datetime")
	rec.PostedText, _ = c.text(postedSelector)
	return rec, true
}

func clean(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
