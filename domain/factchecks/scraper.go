package factchecks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	scrapeTimeout  = 30 * time.Second
	scrapeMaxBytes = 2 << 20
)

// scrapeResult is what a page yields: its title and the best claim text we
// could extract.
type scrapeResult struct {
	Title string
	Claim string
}

// scraper fetches fact-check pages and pulls out title and claim.
type scraper struct {
	http *http.Client
}

func newScraper() *scraper {
	return &scraper{
		http: &http.Client{Timeout: scrapeTimeout},
	}
}

// scrape fetches and parses one source URL.
func (s *scraper) scrape(ctx context.Context, url string) (scrapeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return scrapeResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "opennotes-factcheck-scraper/1.0")
	req.Header.Set("Accept", "text/html")

	resp, err := s.http.Do(req)
	if err != nil {
		return scrapeResult{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scrapeResult{}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	result, err := parsePage(io.LimitReader(resp.Body, scrapeMaxBytes))
	if err != nil {
		return scrapeResult{}, fmt.Errorf("parse %s: %w", url, err)
	}
	if result.Claim == "" {
		return scrapeResult{}, fmt.Errorf("no claim text found at %s", url)
	}
	return result, nil
}

// parsePage extracts <title>, og:title and og:description. og:description is
// the claim of record on fact-check sites; og:title beats <title> when both
// exist.
func parsePage(r io.Reader) (scrapeResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return scrapeResult{}, err
	}

	var result scrapeResult
	var ogTitle string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && result.Title == "" {
					result.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				prop, content := "", ""
				for _, attr := range n.Attr {
					switch attr.Key {
					case "property", "name":
						prop = attr.Val
					case "content":
						content = attr.Val
					}
				}
				switch prop {
				case "og:description", "description":
					if result.Claim == "" || prop == "og:description" {
						result.Claim = strings.TrimSpace(content)
					}
				case "og:title":
					ogTitle = strings.TrimSpace(content)
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if ogTitle != "" {
		result.Title = ogTitle
	}
	return result, nil
}
