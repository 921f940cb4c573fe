package traffic

import (
	"io"
	"mime/multipart"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/PentesterFlow/ParamHarvest/internal/scope"
)

// orderedPairs splits a urlencoded string into [name, value] pairs in
// input order. Only the first value of a repeated name is kept.
func orderedPairs(raw string) [][2]string {
	var out [][2]string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		name, err := url.QueryUnescape(k)
		if err != nil {
			name = k
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		value, err := url.QueryUnescape(v)
		if err != nil {
			value = v
		}
		out = append(out, [2]string{name, value})
	}
	return out
}

// multipartNames returns the form field names of a multipart body.
func multipartNames(body, boundary string) []string {
	if boundary == "" {
		return nil
	}
	r := multipart.NewReader(strings.NewReader(body), boundary)
	var names []string
	seen := make(map[string]struct{})
	for {
		part, err := r.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		io.Copy(io.Discard, part)
		part.Close()
		if name == "" {
			continue
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// cookieNames returns the names in Cookie header values.
func cookieNames(headers []string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, h := range headers {
		for _, pair := range strings.Split(h, ";") {
			name, _, _ := strings.Cut(pair, "=")
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	return names
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formField is one named control of an HTML form.
type formField struct {
	source string
	name   string
	value  string
}

// formFields returns the named input, textarea and select controls of every
// form in doc. The source is the host and path of the resolved action, or of
// the page when the form has no action.
func formFields(doc *goquery.Document, pageURL string) []formField {
	var fields []formField
	doc.Find("form").Each(func(i int, form *goquery.Selection) {
		target := pageURL
		if action, ok := form.Attr("action"); ok && strings.TrimSpace(action) != "" {
			if resolved, err := scope.ResolveURL(pageURL, strings.TrimSpace(action)); err == nil {
				target = resolved
			}
		}
		source := scope.HostPath(target)

		seen := make(map[string]struct{})
		form.Find("input, textarea, select").Each(func(j int, input *goquery.Selection) {
			name, _ := input.Attr("name")
			name = strings.TrimSpace(name)
			if name == "" {
				return
			}
			if _, dup := seen[name]; dup {
				return
			}
			seen[name] = struct{}{}
			value, _ := input.Attr("value")
			fields = append(fields, formField{source: source, name: name, value: value})
		})
	})
	return fields
}
