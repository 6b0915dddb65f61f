package source

import (
	"strings"

	"golang.org/x/net/html"
)

// maxDescription caps cleaned descriptions (10KB of text)
const maxDescription = 10 * 1024

// CleanDescription turns an event description into plain text. Calendar
// clients store rich descriptions as HTML; plain text passes through with
// only its whitespace normalized.
func CleanDescription(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "<&") {
		return truncate(collapseLines(s))
	}
	return truncate(extractText(s))
}

// extractText parses HTML and returns readable text, one line per block
func extractText(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return collapseLines(htmlContent)
	}

	var sb strings.Builder
	var extract func(*html.Node)

	// Tags to skip (non-content)
	skipTags := map[string]bool{
		"script": true, "style": true, "head": true,
		"noscript": true, "iframe": true,
	}

	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && skipTags[n.Data] {
			return
		}

		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}

		if n.Type == html.ElementNode && n.Data == "br" {
			sb.WriteString("\n")
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}

		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "tr":
				sb.WriteString("\n")
			case "a":
				if href := attr(n, "href"); href != "" && href != strings.TrimSpace(textOf(n)) {
					sb.WriteString(" (" + href + ")")
				}
			}
		}
	}

	extract(doc)
	return collapseLines(sb.String())
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textOf(c))
	}
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapseLines collapses runs of spaces within lines and drops blank lines
func collapseLines(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func truncate(s string) string {
	if len(s) <= maxDescription {
		return s
	}
	return s[:maxDescription] + "..."
}
