package storage

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/gabriel-vasile/mimetype"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

const (
	rootTag = "document"
	itemTag = "item"
)

var invalidTagChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// ErrKeyCollision is returned when two metadata keys map to the same element.
var ErrKeyCollision = errors.New("metadata key collision")

// Sniff derives the file extension and content type from the bytes
// themselves. Remote Content-Type headers are not consulted.
func Sniff(data []byte) (ext, contentType string) {
	m := mimetype.Detect(data)
	ext = m.Extension()
	if ext == "" {
		ext = ".bin"
	}
	return ext, m.String()
}

// tagName maps a metadata key onto a valid XML element name.
func tagName(key string) string {
	tag := invalidTagChars.ReplaceAllString(key, "_")
	if tag == "" || !isNameStart(tag[0]) {
		tag = "_" + tag
	}
	return tag
}

func isNameStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// EncodeMetadata renders meta as the metatags XML document. Keys are
// sorted, dates become day/month/year children and lists become <item>s,
// so equal metadata always yields identical bytes.
func EncodeMetadata(meta crawler.Metadata) ([]byte, error) {
	type entry struct {
		scalar *string
		list   []string
		date   bool
	}
	entries := make(map[string]entry)
	owners := make(map[string]string)
	add := func(key string, e entry) error {
		tag := tagName(key)
		if prev, ok := owners[tag]; ok {
			return fmt.Errorf("encode metadata: %w: %q and %q both map to <%s>", ErrKeyCollision, prev, key, tag)
		}
		owners[tag] = key
		entries[tag] = e
		return nil
	}
	if !meta.Date.IsZero() {
		if err := add(crawler.MetaDate, entry{date: true}); err != nil {
			return nil, err
		}
	}
	scalars := meta.Scalars()
	for _, k := range crawler.SortedKeys(scalars) {
		v := scalars[k]
		if err := add(k, entry{scalar: &v}); err != nil {
			return nil, err
		}
	}
	for _, k := range crawler.SortedKeys(meta.Lists) {
		if vs := meta.Lists[k]; len(vs) > 0 {
			if err := add(k, entry{list: vs}); err != nil {
				return nil, err
			}
		}
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(rootTag)
	for _, key := range crawler.SortedKeys(entries) {
		e := entries[key]
		el := root.CreateElement(key)
		switch {
		case e.date:
			el.CreateElement("day").SetText(strconv.Itoa(meta.Date.Day()))
			el.CreateElement("month").SetText(strconv.Itoa(int(meta.Date.Month())))
			el.CreateElement("year").SetText(strconv.Itoa(meta.Date.Year()))
		case e.list != nil:
			for _, item := range e.list {
				el.CreateElement(itemTag).SetText(item)
			}
		default:
			el.SetText(*e.scalar)
		}
	}
	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return out, nil
}

// DecodeMetadata parses a metatags document.
func DecodeMetadata(data []byte) (*crawler.Metadata, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != rootTag {
		return nil, fmt.Errorf("decode metadata: missing <%s> root", rootTag)
	}

	meta := &crawler.Metadata{}
	for _, el := range root.ChildElements() {
		switch {
		case el.Tag == crawler.MetaDate && el.SelectElement("year") != nil:
			date, err := decodeDate(el)
			if err != nil {
				return nil, err
			}
			meta.Date = date
		case len(el.SelectElements(itemTag)) > 0:
			for _, item := range el.SelectElements(itemTag) {
				meta.AppendList(el.Tag, item.Text())
			}
		default:
			meta.SetScalar(el.Tag, el.Text())
		}
	}
	return meta, nil
}

func decodeDate(el *etree.Element) (time.Time, error) {
	part := func(name string) (int, error) {
		child := el.SelectElement(name)
		if child == nil {
			return 0, fmt.Errorf("decode metadata: date missing <%s>", name)
		}
		n, err := strconv.Atoi(strings.TrimSpace(child.Text()))
		if err != nil {
			return 0, fmt.Errorf("decode metadata: date <%s>: %w", name, err)
		}
		return n, nil
	}
	day, err := part("day")
	if err != nil {
		return time.Time{}, err
	}
	month, err := part("month")
	if err != nil {
		return time.Time{}, err
	}
	year, err := part("year")
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}
