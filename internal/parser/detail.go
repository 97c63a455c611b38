package parser

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

const maxDetailLen = 200

// ErrorDetail pulls a short human-readable reason out of a failed webhook
// or proxy response. HTML error pages yield their title (or body text),
// JSON bodies their "error" or "message" field, anything else its text.
func ErrorDetail(body []byte, contentType string) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	switch {
	case isHTML(body, contentType):
		return truncate(htmlDetail(body))
	case json.Valid(body):
		if d := jsonDetail(body); d != "" {
			return truncate(d)
		}
	}
	return truncate(collapse(string(body)))
}

func isHTML(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	return body[0] == '<'
}

func htmlDetail(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript").Remove()

	if title := collapse(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if h1 := collapse(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return collapse(doc.Find("body").Text())
}

func jsonDetail(body []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	for _, key := range []string{"error", "message", "detail"} {
		if s, ok := fields[key].(string); ok && s != "" {
			return collapse(s)
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= maxDetailLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxDetailLen]) + "..."
}
