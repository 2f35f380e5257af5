// Package content post-processes HTML captured from the page for the
// extract verb: plain-text normalization, UGC sanitization, and markdown
// conversion.
package content

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Formats accepted by the extract verb.
const (
	FormatText     = "text"
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

// Processor converts captured outerHTML fragments into the requested
// output format. Safe for concurrent use.
type Processor struct {
	sanitizer *bluemonday.Policy
	md        *converter.Converter
}

// NewProcessor builds a processor with the UGC sanitize policy and a
// commonmark+table markdown converter.
func NewProcessor() *Processor {
	return &Processor{
		sanitizer: bluemonday.UGCPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Render converts an HTML fragment into the given format. pageURL scopes
// relative links during markdown conversion.
func (p *Processor) Render(fragment, format, pageURL string) (string, error) {
	switch format {
	case FormatText, "":
		return NormalizeText(fragment), nil
	case FormatHTML:
		return p.sanitizer.Sanitize(fragment), nil
	case FormatMarkdown:
		out, err := p.md.ConvertString(fragment, converter.WithDomain(pageURL))
		if err != nil {
			return "", fmt.Errorf("content: markdown: %w", err)
		}
		return strings.TrimSpace(out), nil
	default:
		return "", fmt.Errorf("content: unknown format %q", format)
	}
}

// NormalizeText strips tags from an HTML fragment and collapses runs of
// whitespace, mirroring what innerText would report for simple content.
func NormalizeText(fragment string) string {
	doc, err := html.Parse(bytes.NewReader([]byte(fragment)))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(sb.String()), " ")
}
