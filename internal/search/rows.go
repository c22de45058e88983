package search

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/lien-crawler/internal/lien"
)

const cellSeparator = " | "

var whitespace = regexp.MustCompile(`\s+`)

// pageContent is a parsed results page.
type pageContent struct {
	rows      []lien.RawRow
	noResults bool
}

// readPage extracts result rows from html using the profile's selectors.
func readPage(profile lien.Profile, page Page, number int) (pageContent, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return pageContent{}, fmt.Errorf("parse results html: %w", err)
	}
	var content pageContent
	if pattern := profile.Search.NoResultsPattern; pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return pageContent{}, &lien.ProfileError{
				ProfileID: profile.ID,
				Field:     "search.no_results_pattern",
				Reason:    err.Error(),
			}
		}
		if re.MatchString(collapse(doc.Find("body").Text())) {
			content.noResults = true
			return content, nil
		}
	}

	base, _ := url.Parse(page.URL)
	doc.Find(profile.Search.ResultRowSelector).Each(func(_ int, sel *goquery.Selection) {
		text := rowText(sel)
		if text == "" {
			return
		}
		html, _ := goquery.OuterHtml(sel)
		row := lien.RawRow{
			JurisdictionID: profile.ID,
			Page:           number,
			Index:          len(content.rows),
			HTML:           html,
			Text:           text,
		}
		if selector := profile.Search.DetailLinkSelector; selector != "" {
			if href, ok := sel.Find(selector).First().Attr("href"); ok {
				row.DetailURL = resolve(base, href)
			}
		}
		content.rows = append(content.rows, row)
	})
	return content, nil
}

// rowText joins cell texts with " | "; rows without cells fall back to their own text.
func rowText(sel *goquery.Selection) string {
	cells := sel.Find("td, th")
	if cells.Length() == 0 {
		return collapse(sel.Text())
	}
	parts := make([]string, 0, cells.Length())
	cells.Each(func(_ int, cell *goquery.Selection) {
		if t := collapse(cell.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, cellSeparator)
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
