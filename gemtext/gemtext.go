// Package gemtext parses and renders the text/gemini document format:
// the line-oriented markup Gemini responses use for prose, links, and
// light structure. The line classification grammar is carried over
// nearly unchanged from a Gemini client library's line scanner; the
// rendering step (word wrap, ANSI styling, link indexing) is this
// package's own.
package gemtext

import (
	"bufio"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// DefaultWidth is used when Render is called with width <= 0.
const DefaultWidth = 80

var (
	heading1Style = lipgloss.NewStyle().Bold(true).Underline(true)
	heading2Style = lipgloss.NewStyle().Bold(true)
	heading3Style = lipgloss.NewStyle().Underline(true)
)

// Line is one classified line of a text/gemini document.
type Line interface {
	line()
}

// LinkLine is a "=> url name" line.
type LinkLine struct {
	URL  string
	Name string
}

// PreformattedToggleLine is a "```" line (optionally carrying an alt-text
// tag, which this package ignores for rendering purposes).
type PreformattedToggleLine struct{ Alt string }

// PreformattedLine is a line of verbatim text inside a preformatted block.
type PreformattedLine string

// HeadingLine is a "#", "##", or "###" line.
type HeadingLine struct {
	Level int // 1, 2, or 3
	Text  string
}

// ListItemLine is a "* " line.
type ListItemLine string

// QuoteLine is a ">" line.
type QuoteLine string

// TextLine is ordinary prose.
type TextLine string

func (LinkLine) line()              {}
func (PreformattedToggleLine) line() {}
func (PreformattedLine) line()      {}
func (HeadingLine) line()           {}
func (ListItemLine) line()          {}
func (QuoteLine) line()             {}
func (TextLine) line()              {}

// ParseLines classifies raw text/gemini source line by line and calls
// handler with each Line, in order.
func ParseLines(body string, handler func(Line)) {
	const spacetab = " \t"
	var preformatted bool
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		switch {
		case strings.HasPrefix(text, "```"):
			preformatted = !preformatted
			handler(PreformattedToggleLine{Alt: text[3:]})
		case preformatted:
			handler(PreformattedLine(text))
		case strings.HasPrefix(text, "=>"):
			rest := strings.TrimLeft(text[2:], spacetab)
			if rest == "" {
				// A link line with no target is not a link at all; the
				// renderer treats it as an ordinary malformed-link skip.
				handler(nil)
				continue
			}
			if split := strings.IndexAny(rest, spacetab); split == -1 {
				handler(LinkLine{URL: rest})
			} else {
				handler(LinkLine{
					URL:  rest[:split],
					Name: strings.TrimLeft(rest[split:], spacetab),
				})
			}
		case strings.HasPrefix(text, "###"):
			handler(HeadingLine{Level: 3, Text: strings.TrimLeft(text[3:], spacetab)})
		case strings.HasPrefix(text, "##"):
			handler(HeadingLine{Level: 2, Text: strings.TrimLeft(text[2:], spacetab)})
		case strings.HasPrefix(text, "#"):
			handler(HeadingLine{Level: 1, Text: strings.TrimLeft(text[1:], spacetab)})
		case strings.HasPrefix(text, "* "):
			handler(ListItemLine(strings.TrimLeft(text[1:], spacetab)))
		case strings.HasPrefix(text, ">"):
			handler(QuoteLine(strings.TrimLeft(text[1:], spacetab)))
		default:
			handler(TextLine(text))
		}
	}
}

// LinkItem is one entry in a rendered page's link index: the absolutized
// URL a link line pointed at, the 1-based index it was rendered under,
// and its scheme (used to decide whether the rendered bracket shows a
// scheme tag).
type LinkItem struct {
	Index  int
	URL    string
	Name   string
	Scheme string
}

// Absolutizer resolves a link line's raw URL reference against the
// document's base URL, returning the normalized absolute URL and its
// scheme.
type Absolutizer interface {
	Absolutize(ref string) (url string, scheme string, err error)
}

// Page is a rendered text/gemini document: the text stream ready to
// write to a temp file, and the ordered link index the session uses to
// resolve numeric link references.
type Page struct {
	Text  string
	Links []LinkItem
}

// Render renders body (the UTF-8 text of a text/gemini resource) into a
// Page. Malformed link lines (ones whose reference fails to absolutize)
// are skipped rather than aborting the render; each skip is logged at debug
// level through slog's default logger.
func Render(body string, width int, abs Absolutizer) Page {
	if width <= 0 {
		width = DefaultWidth
	}

	var out strings.Builder
	var links []LinkItem

	ParseLines(body, func(l Line) {
		switch v := l.(type) {
		case nil:
			return
		case PreformattedToggleLine:
			return
		case PreformattedLine:
			out.WriteString(string(v))
			out.WriteByte('\n')
		case LinkLine:
			url, scheme, err := abs.Absolutize(v.URL)
			if err != nil {
				slog.Debug("skipping malformed link line", "ref", v.URL, "err", err)
				return
			}
			idx := len(links) + 1
			item := LinkItem{Index: idx, URL: url, Name: v.Name, Scheme: scheme}
			links = append(links, item)
			out.WriteString(formatLinkLine(item))
			out.WriteByte('\n')
		case ListItemLine:
			out.WriteString(wrap(string(v), width, "* ", "  "))
			out.WriteByte('\n')
		case QuoteLine:
			out.WriteString(wrap(string(v), width, "> ", "> "))
			out.WriteByte('\n')
		case HeadingLine:
			out.WriteString(renderHeading(v))
			out.WriteByte('\n')
		case TextLine:
			out.WriteString(wrap(string(v), width, "", ""))
			out.WriteByte('\n')
		}
	})

	return Page{Text: out.String(), Links: links}
}

// formatLinkLine renders a link index entry as "[N] name_or_url",
// prefixing the scheme in brackets when it is not gemini.
func formatLinkLine(item LinkItem) string {
	display := item.Name
	if display == "" {
		display = item.URL
	}
	if item.Scheme == "" || item.Scheme == "gemini" {
		return fmt.Sprintf("[%d] %s", item.Index, display)
	}
	return fmt.Sprintf("[%d %s] %s", item.Index, item.Scheme, display)
}

func renderHeading(h HeadingLine) string {
	switch h.Level {
	case 1:
		return heading1Style.Render(h.Text)
	case 2:
		return heading2Style.Render(h.Text)
	default:
		return heading3Style.Render(h.Text)
	}
}

// wrap reformats text to fit within width columns, prefixing the first
// line with initial and every subsequent wrapped line with subsequent.
func wrap(text string, width int, initial, subsequent string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return initial
	}

	var lines []string
	var line strings.Builder
	prefix := initial
	lineWidth := width - len(prefix)

	for _, word := range words {
		candidateLen := line.Len()
		if candidateLen > 0 {
			candidateLen++ // separating space
		}
		candidateLen += len(word)

		if candidateLen > lineWidth && line.Len() > 0 {
			lines = append(lines, prefix+line.String())
			line.Reset()
			prefix = subsequent
			lineWidth = width - len(prefix)
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	lines = append(lines, prefix+line.String())
	return strings.Join(lines, "\n")
}
