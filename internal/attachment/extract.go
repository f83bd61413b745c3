package attachment

import (
	"html"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"triggerhub/pkg/models"
)

var linkPattern = regexp.MustCompile(`https?://[^\s"'<>()\[\]{}]+`)

// ExtractLinks collects http(s) URLs from every string value in data,
// including HTML attribute values. Keys are visited in sorted order so the
// result is stable.
func ExtractLinks(data map[string]interface{}) []string {
	seen := make(map[string]struct{})
	var links []string
	walk(data, func(s string) {
		if !strings.Contains(s, "://") {
			return
		}
		for _, raw := range linkPattern.FindAllString(html.UnescapeString(s), -1) {
			link := strings.TrimRight(raw, ".,;:!?")
			if _, err := url.ParseRequestURI(link); err != nil {
				continue
			}
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			links = append(links, link)
		}
	})
	return links
}

func walk(v interface{}, visit func(string)) {
	switch val := v.(type) {
	case string:
		visit(val)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(val[k], visit)
		}
	case []interface{}:
		for _, item := range val {
			walk(item, visit)
		}
	}
}

// DefaultLinkFields are the text fields scanned for linked content. Each is
// looked up in the event's fields, then in its extras.
var DefaultLinkFields = []string{"body", "body_text", "body_html", "html_body", "text", "content", "description"}

// candidates lists the event's provider-native attachments followed by the
// links found in its text fields that are not already referenced.
func candidates(event *models.Event, linkFields []string) []models.AttachmentReference {
	refs := make([]models.AttachmentReference, 0, len(event.Attachments))
	known := make(map[string]struct{})
	for _, ref := range event.Attachments {
		refs = append(refs, ref)
		if ref.SourceURL != "" {
			known[ref.SourceURL] = struct{}{}
		}
	}

	text := make(map[string]interface{}, len(linkFields))
	for _, name := range linkFields {
		if v, ok := event.Lookup(name); ok {
			text[name] = v
		}
	}
	for _, link := range ExtractLinks(text) {
		if _, ok := known[link]; ok {
			continue
		}
		known[link] = struct{}{}
		refs = append(refs, models.AttachmentReference{SourceURL: link, Name: linkName(link)})
	}
	return refs
}

func linkName(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
