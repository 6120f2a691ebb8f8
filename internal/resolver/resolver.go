// Package resolver renders per-temple message templates for a single recipient.
package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yajmaan/sevaflow/internal/model"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Rendered is the output of Render
type Rendered struct {
	Text     string
	Warnings []string
}

// canonical maps every accepted spelling to one key
var canonical = map[string]string{
	"name":         "name",
	"video_link":   "video_link",
	"videolink":    "video_link",
	"link":         "video_link",
	"country_code": "country_code",
	"countrycode":  "country_code",
	"phone":        "phone",
	"phonenumber":  "phone",
	"phone_number": "phone",
	"batch_id":     "batch_id",
	"batchid":      "batch_id",
	"temple_id":    "temple_id",
	"templeid":     "temple_id",
}

// Known reports whether key is a recognized placeholder
func Known(key string) bool {
	_, ok := canonical[strings.ToLower(key)]
	return ok
}

// Render substitutes the recipient's fields into tmpl. Unrecognized
// placeholders are left as written and reported once each in Warnings.
func Render(tmpl string, rec model.UserRecord, videoURL string) Rendered {
	values := map[string]string{
		"name":         rec.Name,
		"video_link":   videoURL,
		"country_code": rec.CountryCode,
		"phone":        rec.PhoneNumber,
		"batch_id":     rec.BatchID,
		"temple_id":    rec.TempleID,
	}

	var warnings []string
	seen := make(map[string]bool)
	text := placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if c, ok := canonical[strings.ToLower(key)]; ok {
			return values[c]
		}
		if !seen[key] {
			seen[key] = true
			warnings = append(warnings, fmt.Sprintf("unknown placeholder {{%s}} left unchanged", key))
		}
		return match
	})

	return Rendered{Text: text, Warnings: warnings}
}

// Placeholders lists the distinct placeholder keys in tmpl in order of appearance
func Placeholders(tmpl string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
