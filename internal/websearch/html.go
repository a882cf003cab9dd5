package websearch

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// parseResultsHTML extracts results from the search service's HTML
// page. Results are elements whose class contains "result"; the first
// anchor supplies URL and title, the first paragraph the snippet.
func parseResultsHTML(r io.Reader) ([]Result, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var results []Result
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasResultClass(n) {
			if res, ok := extractResult(n); ok {
				res.Rank = len(results) + 1
				results = append(results, res)
			}
			return // don't descend into a result looking for nested results
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return results, nil
}

func hasResultClass(n *html.Node) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, class := range strings.Fields(attr.Val) {
			if class == "result" {
				return true
			}
		}
	}
	return false
}

func extractResult(n *html.Node) (Result, bool) {
	var res Result

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				if res.URL == "" {
					for _, attr := range n.Attr {
						if attr.Key == "href" {
							res.URL = attr.Val
						}
					}
					res.Title = strings.TrimSpace(textContent(n))
				}
			case "p":
				if res.Snippet == "" {
					res.Snippet = strings.TrimSpace(textContent(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	return res, res.URL != ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
