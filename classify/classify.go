// Package classify assigns a source-kind hint to a candidate portal URL.
//
// Rule-based, deterministic, no I/O: URL substrings and characteristic
// markup/script fingerprints of known portal platforms. Unknown is a valid
// terminal answer — callers must not guess; an Unknown source needs manual
// configuration.
package classify

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/nmoreau/permitwatch/permit"
)

// urlRules map URL substrings to a kind. Checked in order; first hit wins.
var urlRules = []struct {
	substr string
	kind   permit.SourceKind
}{
	// Feed endpoints.
	{".rss", permit.KindFeed},
	{".atom", permit.KindFeed},
	{"/rss", permit.KindFeed},
	{"/feed", permit.KindFeed},
	{"format=rss", permit.KindFeed},

	// Open-data catalogs (Socrata, CKAN, ArcGIS).
	{"/resource/", permit.KindRESTAPI},
	{".json", permit.KindRESTAPI},
	{"/api/views/", permit.KindRESTAPI},
	{"/api/3/action/", permit.KindRESTAPI},
	{"/arcgis/rest/", permit.KindRESTAPI},
	{"data.", permit.KindRESTAPI},

	// Permit portal platforms (Accela, OpenGov/Viewpoint, Tyler, eTRAKiT).
	{"/citizenaccess", permit.KindBrowserScrape},
	{"/aca/", permit.KindBrowserScrape},
	{"aca-prod", permit.KindBrowserScrape},
	{"viewpointcloud", permit.KindBrowserScrape},
	{"opengov.com", permit.KindBrowserScrape},
	{"etrakit", permit.KindBrowserScrape},
	{"energov", permit.KindBrowserScrape},
	{"/permits/search", permit.KindBrowserScrape},
}

// markupRules match lowercase fragments of script src / element text.
var markupRules = []struct {
	substr string
	kind   permit.SourceKind
}{
	{"accela", permit.KindBrowserScrape},
	{"viewpointcloud", permit.KindBrowserScrape},
	{"energov", permit.KindBrowserScrape},
	{"__viewstate", permit.KindBrowserScrape}, // ASP.NET WebForms portals
}

// Classify inspects a URL and an optional sampled content body and returns
// the best-matching source kind, or KindUnknown. Same input always yields
// the same answer.
func Classify(rawURL, sampledContent string) permit.SourceKind {
	u := strings.ToLower(rawURL)
	for _, r := range urlRules {
		if strings.Contains(u, r.substr) {
			return r.kind
		}
	}

	content := strings.TrimSpace(sampledContent)
	if content == "" {
		return permit.KindUnknown
	}

	// XML root element beats everything: an RSS/Atom document served from
	// an unhelpful URL is still a feed.
	head := strings.ToLower(content)
	if len(head) > 512 {
		head = head[:512]
	}
	if strings.Contains(head, "<rss") || strings.Contains(head, "<rdf") {
		return permit.KindFeed
	}
	if strings.Contains(head, "<feed") && strings.Contains(head, "atom") {
		return permit.KindFeed
	}

	// JSON body with no markup smells like an API endpoint.
	if strings.HasPrefix(head, "{") || strings.HasPrefix(head, "[") {
		return permit.KindRESTAPI
	}

	return classifyMarkup(content)
}

// classifyMarkup tokenizes sampled HTML looking for platform fingerprints
// in script srcs, meta generators, and form field names. The tokenizer
// never panics on malformed input; errors degrade to KindUnknown.
func classifyMarkup(content string) permit.SourceKind {
	z := html.NewTokenizer(strings.NewReader(content))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return permit.KindUnknown
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if tag != "script" && tag != "meta" && tag != "input" && tag != "link" {
				continue
			}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				k := string(key)
				if k != "src" && k != "content" && k != "name" && k != "id" && k != "href" {
					continue
				}
				v := strings.ToLower(string(val))
				for _, r := range markupRules {
					if strings.Contains(v, r.substr) {
						return r.kind
					}
				}
				if tag == "link" && k == "href" && (strings.Contains(v, "/rss") || strings.Contains(v, ".atom")) {
					return permit.KindFeed
				}
			}
		}
	}
}
