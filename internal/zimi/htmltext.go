package zimi

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// skipTags are subtrees that never contribute readable text.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"head": true, "svg": true,
}

// boilerplateTags hold navigation chrome, skipped for snippet extraction but
// kept for full-text reads.
var boilerplateTags = map[string]bool{
	"nav": true, "header": true, "footer": true, "aside": true,
}

// htmlToText extracts readable text from an HTML document: script/style
// subtrees dropped, tags unwrapped, whitespace collapsed. skipBoilerplate
// additionally drops navigation chrome.
func htmlToText(data []byte, skipBoilerplate bool) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipTags[n.Data] {
				return
			}
			if skipBoilerplate && boilerplateTags[n.Data] {
				return
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		// Block-level boundaries keep words from running together.
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteByte(' ')
			}
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// htmlTitle returns the document's <title> text, or "".
func htmlTitle(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// metaDescription returns the document's meta description, preferring
// name=description over property=og:description.
func metaDescription(data []byte) string {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var desc, ogDesc string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var name, property, content string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "name":
					name = strings.ToLower(attr.Val)
				case "property":
					property = strings.ToLower(attr.Val)
				case "content":
					content = attr.Val
				}
			}
			if name == "description" && desc == "" {
				desc = strings.TrimSpace(content)
			}
			if property == "og:description" && ogDesc == "" {
				ogDesc = strings.TrimSpace(content)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if desc != "" {
		return desc
	}
	return ogDesc
}

// truncateWords cuts s to at most max runes at a word boundary, appending an
// ellipsis when anything was dropped.
func truncateWords(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:") + "…"
}
