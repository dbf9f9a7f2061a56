package formstate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Postback hidden fields rewritten by a cursor.
const (
	EventTargetField   = "__EVENTTARGET"
	EventArgumentField = "__EVENTARGUMENT"
)

// DefaultMaxPages caps pagination when the caller does not.
const DefaultMaxPages = 500

// ErrPageCapReached reports that pagination stopped at the page cap rather
// than at a terminal page.
var ErrPageCapReached = errors.New("page cap reached")

var (
	doPostBackRe  = regexp.MustCompile(`__doPostBack\(\s*['"]([^'"]*)['"]\s*,\s*['"]([^'"]*)['"]\s*\)`)
	postBackOptRe = regexp.MustCompile(`WebForm_PostBackOptions\(\s*['"]([^'"]*)['"]\s*,\s*['"]([^'"]*)['"]`)
)

// PageCursor points at the next page of a result set: either a direct URL
// or a postback event to replay through the form.
type PageCursor struct {
	URL           string
	EventTarget   string
	EventArgument string
}

// IsPostBack reports whether the cursor is replayed through the form.
func (c PageCursor) IsPostBack() bool {
	return c.EventTarget != ""
}

// Apply returns a copy of state with the postback event fields set.
func (c PageCursor) Apply(state *FormState) *FormState {
	out := state.Clone()
	out.Set(EventTargetField, c.EventTarget)
	out.Set(EventArgumentField, c.EventArgument)
	return out
}

func (c PageCursor) String() string {
	if c.IsPostBack() {
		return fmt.Sprintf("postback(%s, %s)", c.EventTarget, c.EventArgument)
	}
	return c.URL
}

type pagerCell struct {
	text string
	link *goquery.Selection
}

// FindNextPage scans table cells for the link to page current+1. On a
// 10-page boundary the ellipsis link after the current page stands in for
// the next batch. A nil cursor means current is the last page.
func FindNextPage(body []byte, pageURL string, current int) (*PageCursor, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return FindNextPageInDocument(doc, pageURL, current), nil
}

// FindNextPageInDocument is FindNextPage over an already parsed document.
func FindNextPageInDocument(doc *goquery.Document, pageURL string, current int) *PageCursor {
	var cells []pagerCell
	doc.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
		if cell.Find("td, th").Length() > 0 {
			return
		}
		text := strings.TrimSpace(cell.Text())
		if !isPageNumber(text) && !isEllipsis(text) {
			return
		}
		var link *goquery.Selection
		if a := cell.Find("a").First(); a.Length() > 0 {
			link = a
		}
		cells = append(cells, pagerCell{text: text, link: link})
	})

	want := strconv.Itoa(current + 1)
	for _, c := range cells {
		if c.text == want && c.link != nil {
			if cursor := cursorFromLink(c.link, pageURL); cursor != nil {
				return cursor
			}
		}
	}

	if current <= 0 || current%10 != 0 {
		return nil
	}
	seenCurrent := false
	var lastEllipsis *goquery.Selection
	for _, c := range cells {
		switch {
		case c.text == strconv.Itoa(current):
			seenCurrent = true
		case isEllipsis(c.text) && c.link != nil:
			if seenCurrent {
				return cursorFromLink(c.link, pageURL)
			}
			lastEllipsis = c.link
		}
	}
	if !seenCurrent && lastEllipsis != nil {
		return cursorFromLink(lastEllipsis, pageURL)
	}
	return nil
}

func isPageNumber(text string) bool {
	if text == "" || len(text) > 6 {
		return false
	}
	for _, r := range text {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isEllipsis(text string) bool {
	return text == "..." || text == "…"
}

func cursorFromLink(link *goquery.Selection, pageURL string) *PageCursor {
	href := strings.TrimSpace(link.AttrOr("href", ""))
	script := href + " " + link.AttrOr("onclick", "")
	if m := doPostBackRe.FindStringSubmatch(script); m != nil {
		return &PageCursor{EventTarget: m[1], EventArgument: m[2]}
	}
	if m := postBackOptRe.FindStringSubmatch(script); m != nil {
		return &PageCursor{EventTarget: m[1], EventArgument: m[2]}
	}
	if href == "" || href == "#" || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return nil
	}
	return &PageCursor{URL: resolve(pageURL, href)}
}

func resolve(base, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return ref.String()
	}
	return b.ResolveReference(ref).String()
}

// Page is one fetched page of a result set.
type Page struct {
	Number int
	URL    string
	Body   []byte
}

// FetchPageFunc loads the page a cursor points at. prev is the page the
// cursor was found on.
type FetchPageFunc func(ctx context.Context, cursor PageCursor, prev Page) (Page, error)

// Pager walks a paginated result set one page at a time.
type Pager struct {
	// MaxPages bounds the walk; DefaultMaxPages when zero.
	MaxPages int
	Fetch    FetchPageFunc
}

// Run visits first and every following page until no next-page link is
// found, ctx is done, or the page cap is hit. It returns the number of
// pages visited.
func (p Pager) Run(ctx context.Context, first Page, visit func(Page) error) (int, error) {
	maxPages := p.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if first.Number == 0 {
		first.Number = 1
	}

	page := first
	visited := 0
	for {
		if err := visit(page); err != nil {
			return visited, err
		}
		visited++

		cursor, err := FindNextPage(page.Body, page.URL, page.Number)
		if err != nil {
			return visited, err
		}
		if cursor == nil {
			return visited, nil
		}
		if visited >= maxPages {
			return visited, fmt.Errorf("%w after %d pages", ErrPageCapReached, visited)
		}
		if err := ctx.Err(); err != nil {
			return visited, fmt.Errorf("pagination canceled: %w", err)
		}

		next, err := p.Fetch(ctx, *cursor, page)
		if err != nil {
			return visited, fmt.Errorf("fetch page %d: %w", page.Number+1, err)
		}
		if next.Number == 0 {
			next.Number = page.Number + 1
		}
		page = next
	}
}
