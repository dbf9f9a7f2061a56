package postback

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

// ErrSkipRow marks rows that are layout rather than data (headers, pager rows).
var ErrSkipRow = errors.New("not a data row")

// Record is one result row turned into an artifact candidate.
type Record struct {
	// ID is the leaf of the relative id; the adapter prefixes it with the
	// source/day prefix.
	ID string
	// DocumentURL is the raw document link. Empty when the row has metadata only.
	DocumentURL string
	Metadata    crawler.Metadata
}

// RowParser selects result rows and turns each into a Record.
type RowParser interface {
	RowSelector() string
	ParseRow(row *goquery.Selection, pageURL string, day time.Time) (Record, error)
}

// ColumnRowParser maps table columns to metadata keys by index.
type ColumnRowParser struct {
	// Rows selects candidate rows, e.g. "table#gvGazette tr".
	Rows string
	// Columns maps a zero-based cell index to a metadata key.
	Columns map[int]string
	// IDColumn holds the text the artifact id is built from.
	IDColumn int
	// LinkColumn holds the anchor of the raw document; -1 for none.
	LinkColumn int
	// LinkAttr is read from the anchor, "href" when empty.
	LinkAttr string
}

// RowSelector implements RowParser.
func (p ColumnRowParser) RowSelector() string { return p.Rows }

// ParseRow implements RowParser.
func (p ColumnRowParser) ParseRow(row *goquery.Selection, pageURL string, day time.Time) (Record, error) {
	cells := row.ChildrenFiltered("td")
	need := p.IDColumn
	for idx := range p.Columns {
		need = max(need, idx)
	}
	if p.LinkColumn >= 0 {
		need = max(need, p.LinkColumn)
	}
	if cells.Length() <= need || row.Find("table").Length() > 0 {
		return Record{}, ErrSkipRow
	}

	rec := Record{Metadata: crawler.Metadata{Date: day}}
	for idx, key := range p.Columns {
		value := cellText(cells.Eq(idx))
		if value != "" {
			rec.Metadata.SetScalar(key, value)
		}
	}

	rec.ID = SanitizeID(cellText(cells.Eq(p.IDColumn)))
	if rec.ID == "" {
		return Record{}, fmt.Errorf("row has no id in column %d", p.IDColumn)
	}

	if p.LinkColumn >= 0 {
		attr := p.LinkAttr
		if attr == "" {
			attr = "href"
		}
		link, ok := cells.Eq(p.LinkColumn).Find("a").First().Attr(attr)
		link = strings.TrimSpace(link)
		if !ok || link == "" || strings.HasPrefix(strings.ToLower(link), "javascript:") {
			return Record{}, fmt.Errorf("row %q has no document link", rec.ID)
		}
		rec.DocumentURL = resolve(pageURL, link)
		rec.Metadata.URL = rec.DocumentURL
	}
	return rec, nil
}

var (
	unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	spaces        = regexp.MustCompile(`\s+`)
)

// SanitizeID reduces free text to a single path segment usable in an id.
func SanitizeID(text string) string {
	id := unsafeIDChars.ReplaceAllString(strings.TrimSpace(text), "_")
	id = strings.Trim(id, "_.")
	return id
}

func cellText(cell *goquery.Selection) string {
	return strings.TrimSpace(spaces.ReplaceAllString(cell.Text(), " "))
}

func resolve(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || base == "" {
		return r.String()
	}
	return b.ResolveReference(r).String()
}
