package suite

import "regexp"

// compileFilter turns the raw string filter patterns of RuntimeContext into
// regexes, built once per suite.
func compileFilter(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// matchesFilter reports whether the last k segments of path match the k
// regexes in order (k = len(regexes), and k must not exceed len(path)).
// An empty filter list matches any path, including an empty one; a
// non-empty filter never matches an empty path.
func matchesFilter(path []string, regexes []*regexp.Regexp) bool {
	k := len(regexes)
	if k == 0 {
		return true
	}
	if k > len(path) {
		return false
	}
	offset := len(path) - k
	for i := 0; i < k; i++ {
		if !regexes[i].MatchString(path[offset+i]) {
			return false
		}
	}
	return true
}
