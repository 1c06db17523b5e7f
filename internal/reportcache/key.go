package reportcache

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// CacheKey canonicalizes a request as endpoint?name=value&... with parameters
// sorted by name. Nil values are omitted; without parameters the key is the
// bare endpoint.
func CacheKey(endpoint string, params map[string]any) string {
	names := make([]string, 0, len(params))
	for name, v := range params {
		if isNil(v) {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return endpoint
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(endpoint)
	for i, name := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(formatValue(params[name]))
	}
	return b.String()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func formatValue(v any) string {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		return fmt.Sprint(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

// categories recognised from an endpoint path, first match wins
var endpointCategories = []string{"quotas", "reaction_times", "problematic_stays", "profile_quality"}

// CategoryFromEndpoint derives the report category from an endpoint path.
// It returns "" when the endpoint belongs to no known category.
func CategoryFromEndpoint(endpoint string) string {
	for _, c := range endpointCategories {
		if strings.Contains(endpoint, c) {
			return c
		}
	}
	return ""
}
