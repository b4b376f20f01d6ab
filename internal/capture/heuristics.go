package capture

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultSelectors is the ordered list of "main photo" patterns seen on
// shelter listing pages. Earlier entries win.
var DefaultSelectors = []string{
	".pet-detail-photo img",
	".animal-photo img",
	"[data-test='pet-photo'] img",
	".gallery .main-image img",
	".carousel-item.active img",
	".slick-current img",
	"main figure img",
	"article img",
}

// DefaultChromeFilters are src substrings of site chrome (logos, badges,
// placeholders) that must never be captured as a pet photo.
var DefaultChromeFilters = []string{
	"/assets/",
	"/static/icons/",
	"logo",
	"badge",
	"icon",
	"sprite",
	"placeholder",
	"no-photo",
	"default-pet",
}

// Match is the element chosen by the heuristics.
type Match struct {
	Selector string
	// Index is the position of the element in document.querySelectorAll(Selector).
	Index int
	Src   string
}

// JSPath addresses the matched element in the live page.
func (m *Match) JSPath() string {
	sel, _ := json.Marshal(m.Selector)
	return fmt.Sprintf("document.querySelectorAll(%s)[%d]", sel, m.Index)
}

// SelectPhoto evaluates selectors in order against the rendered HTML and
// returns the first element whose src is a real, non-chrome image, or nil.
func SelectPhoto(html string, selectors, chromeFilters []string) (*Match, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	for _, sel := range selectors {
		var match *Match
		doc.Find(sel).EachWithBreak(func(i int, el *goquery.Selection) bool {
			src := imageSource(el)
			if !usableSource(src, chromeFilters) {
				return true
			}
			match = &Match{Selector: sel, Index: i, Src: src}
			return false
		})
		if match != nil {
			return match, nil
		}
	}
	return nil, nil
}

func imageSource(el *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src"} {
		if v := strings.TrimSpace(el.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}

func usableSource(src string, chromeFilters []string) bool {
	if src == "" || strings.HasPrefix(strings.ToLower(src), "data:") {
		return false
	}
	lower := strings.ToLower(src)
	for _, f := range chromeFilters {
		if f != "" && strings.Contains(lower, strings.ToLower(f)) {
			return false
		}
	}
	return true
}
