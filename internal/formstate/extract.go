package formstate

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrFormNotFound is returned when the selector matches no form. It usually
// means the portal changed its layout.
var ErrFormNotFound = errors.New("form not found")

// Extract scrapes every successful control inside the first element matching
// formSelector ("form" when empty). Controls named in suppress are skipped,
// typically submit buttons that are not part of the next action.
func Extract(body []byte, formSelector string, suppress ...string) (*FormState, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return ExtractFromDocument(doc, formSelector, suppress...)
}

// ExtractFromDocument is Extract over an already parsed document.
func ExtractFromDocument(doc *goquery.Document, formSelector string, suppress ...string) (*FormState, error) {
	if formSelector == "" {
		formSelector = "form"
	}
	form := doc.Find(formSelector).First()
	if form.Length() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrFormNotFound, formSelector)
	}

	state := &FormState{}
	form.Find("input, select, textarea").Each(func(_ int, control *goquery.Selection) {
		name, ok := control.Attr("name")
		if !ok || name == "" || slices.Contains(suppress, name) {
			return
		}
		if _, disabled := control.Attr("disabled"); disabled {
			return
		}
		value, include := controlValue(control)
		if include {
			state.Set(name, value)
		}
	})
	return state, nil
}

func controlValue(control *goquery.Selection) (string, bool) {
	switch goquery.NodeName(control) {
	case "select":
		return selectValue(control), true
	case "textarea":
		return control.Text(), true
	}

	inputType := strings.ToLower(control.AttrOr("type", "text"))
	switch inputType {
	case "checkbox", "radio":
		if _, checked := control.Attr("checked"); !checked {
			return "", false
		}
		return control.AttrOr("value", "on"), true
	case "image", "reset", "button", "file":
		return "", false
	}
	return control.AttrOr("value", ""), true
}

func selectValue(control *goquery.Selection) string {
	option := control.Find("option[selected]").First()
	if option.Length() == 0 {
		option = control.Find("option").First()
	}
	if option.Length() == 0 {
		return ""
	}
	if v, ok := option.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(option.Text())
}
