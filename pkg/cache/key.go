package cache

import (
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Resource is the logical resource type that prefixes every key.
type Resource string

const (
	// ResourceWeather keys weather-by-city lookups.
	ResourceWeather Resource = "weather"

	// ResourceProxy keys proxied target URLs.
	ResourceProxy Resource = "proxy"
)

// Key identifies one cached logical resource.
type Key struct {
	// Resource is the logical resource type.
	Resource Resource

	// ID is the normalized identifying parameter.
	ID string
}

// String generates the Redis key.
//
// Example:
//
//	weather:new york
//	proxy:https://api.example.com/v1/items?page=2
func (k Key) String() string {
	return string(k.Resource) + ":" + k.ID
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Resource == "" && k.ID == ""
}

// WeatherKey builds the key for a weather lookup.
func WeatherKey(city string) Key {
	return Key{Resource: ResourceWeather, ID: NormalizeCity(city)}
}

// ProxyKey builds the key for a proxied target URL.
func ProxyKey(target string) Key {
	return Key{Resource: ResourceProxy, ID: NormalizeURL(target)}
}

// NormalizeCity trims, case-folds and collapses inner whitespace. Input that
// is not valid UTF-8 is not case-folded, so distinct byte sequences keep
// distinct keys.
func NormalizeCity(city string) string {
	joined := strings.Join(strings.Fields(city), " ")
	if !utf8.ValidString(joined) {
		return joined
	}
	return strings.ToLower(joined)
}

// NormalizeURL case-folds scheme and host, drops the fragment and sorts the
// query. Path and query values keep their case since servers may treat them
// as distinct resources. A query that does not parse is kept verbatim.
// Unparseable input falls back to trimming and case-folding.
func NormalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.ToLower(trimmed)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		if q, err := url.ParseQuery(u.RawQuery); err == nil {
			u.RawQuery = q.Encode()
		}
	}
	return u.String()
}

// Eligible reports whether a request method may read or write the cache.
// Only idempotent reads qualify.
func Eligible(method string) bool {
	return method == http.MethodGet
}
