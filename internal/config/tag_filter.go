package config

import (
	"fmt"
	"regexp"
	"strings"
)

var tagFilterPattern = regexp.MustCompile(`^[a-zA-Z0-9]+:[a-zA-Z0-9]+$`)

// TagFilter is the key/value pair an alarm must carry to opt in to repeated
// notification
type TagFilter struct {
	Key   string
	Value string
}

// ParseTagFilter parses a strict "key:value" string
func ParseTagFilter(s string) (TagFilter, error) {
	if !tagFilterPattern.MatchString(s) {
		return TagFilter{}, fmt.Errorf("%w: %q", ErrMalformedTagFilter, s)
	}
	key, value, _ := strings.Cut(s, ":")
	return TagFilter{Key: key, Value: value}, nil
}

// Matches reports whether tags contain the filter key with exactly the filter
// value. A missing key or any other value does not match.
func (f TagFilter) Matches(tags map[string]string) bool {
	if f.Key == "" {
		return false
	}
	v, ok := tags[f.Key]
	return ok && v == f.Value
}

func (f TagFilter) String() string {
	return f.Key + ":" + f.Value
}
