package collyfetcher

import (
	"bytes"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// inspectSignature returns a non-empty reason when the page asks not to be
// indexed or declares a canonical URL on another host.
func inspectSignature(page fetchedPage) string {
	if page.headers != nil {
		for _, v := range page.headers.Values("X-Robots-Tag") {
			if hasNoindex(v) {
				return "noindex in X-Robots-Tag header"
			}
		}
	}
	if !isHTML(page.headers) || len(page.body) == 0 {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.body))
	if err != nil {
		return ""
	}

	reason := ""
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name := strings.ToLower(strings.TrimSpace(s.AttrOr("name", "")))
		if name != "robots" && name != "googlebot" {
			return true
		}
		if hasNoindex(s.AttrOr("content", "")) {
			reason = "noindex in meta " + name
			return false
		}
		return true
	})
	if reason != "" {
		return reason
	}

	canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if ok && page.finalURL != nil {
		ref, err := url.Parse(strings.TrimSpace(canonical))
		if err == nil {
			resolved := page.finalURL.ResolveReference(ref)
			if !strings.EqualFold(resolved.Hostname(), page.finalURL.Hostname()) {
				return "canonical points to " + resolved.Hostname()
			}
		}
	}
	return ""
}

func hasNoindex(directives string) bool {
	for _, part := range strings.Split(directives, ",") {
		// X-Robots-Tag may prefix directives with a user agent ("googlebot: noindex").
		if idx := strings.LastIndex(part, ":"); idx >= 0 {
			part = part[idx+1:]
		}
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "noindex", "none":
			return true
		}
	}
	return false
}

func isHTML(headers http.Header) bool {
	ct := headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
