// Package normalize maps observed key spellings to canonical identifiers so
// that IpAddress, ip_address, and IP collapse to one logical column.
package normalize

import (
	"regexp"
	"strings"
)

var (
	camelBoundary = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	caseBoundary  = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	underscoreRun = regexp.MustCompile(`_+`)
)

type rule struct {
	pattern   *regexp.Regexp
	canonical string
}

// Semantic equivalence rules, applied to the snake_cased form. Order matters:
// the first match wins, so user_id must be listed before the broader user
// pattern would otherwise swallow it.
var rules = []rule{
	{regexp.MustCompile(`(?i)^ip(_?addr(ess)?)?$`), "ip_address"},
	{regexp.MustCompile(`(?i)^ipv4(_?addr(ess)?)?$`), "ip_address"},
	{regexp.MustCompile(`(?i)^user_id$`), "user_id"},
	{regexp.MustCompile(`(?i)^user(_?name)?$`), "username"},
	{regexp.MustCompile(`(?i)^e?_?mail(_?addr(ess)?)?$`), "email"},
	{regexp.MustCompile(`(?i)^(phone|tel|telephone)(_?num(ber)?)?$`), "phone"},
	{regexp.MustCompile(`(?i)^(time)?_?stamp$`), "timestamp"},
	{regexp.MustCompile(`(?i)^t_?stamp$`), "timestamp"},
	{regexp.MustCompile(`(?i)^created(_?at)?$`), "created_at"},
	{regexp.MustCompile(`(?i)^updated(_?at)?$`), "updated_at"},
	{regexp.MustCompile(`(?i)^(gps_?)?(lat|latitude)$`), "gps_lat"},
	{regexp.MustCompile(`(?i)^(gps_?)?(lon|long|longitude)$`), "gps_lon"},
	{regexp.MustCompile(`(?i)^dev(ice)?_?id$`), "device_id"},
	{regexp.MustCompile(`(?i)^dev(ice)?_?model$`), "device_model"},
	{regexp.MustCompile(`(?i)^sess(ion)?_?id$`), "session_id"},
	{regexp.MustCompile(`(?i)^net(work)?$`), "network"},
	{regexp.MustCompile(`(?i)^bat(tery)?(_?level)?$`), "battery"},
	{regexp.MustCompile(`(?i)^os(_?name)?$`), "os"},
	{regexp.MustCompile(`(?i)^operating_?system$`), "os"},
	{regexp.MustCompile(`(?i)^(app_?)version$`), "app_version"},
	{regexp.MustCompile(`(?i)^ver(sion)?$`), "version"},
}

// Normalize converts a raw key to its canonical form. It is a pure function
// of the key: camel/Pascal case becomes snake_case, underscore runs collapse,
// and a fixed semantic rule set folds equivalent spellings together. The
// result is a fixed point: Normalize(Normalize(k)) == Normalize(k).
func Normalize(field string) string {
	if field == "" {
		return field
	}

	s := camelBoundary.ReplaceAllString(field, "${1}_${2}")
	s = caseBoundary.ReplaceAllString(s, "${1}_${2}")
	s = strings.ToLower(s)
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")

	for _, r := range rules {
		if r.pattern.MatchString(s) {
			return r.canonical
		}
	}
	return s
}

// Keys normalizes every key of a record, recursing into nested maps and into
// maps inside arrays. Values are left untouched.
func Keys(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for key, value := range record {
		switch v := value.(type) {
		case map[string]any:
			value = Keys(v)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if m, ok := item.(map[string]any); ok {
					items[i] = Keys(m)
				} else {
					items[i] = item
				}
			}
			value = items
		}
		out[Normalize(key)] = value
	}
	return out
}
