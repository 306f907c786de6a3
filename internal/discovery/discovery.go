// Package discovery walks a root directory and collects the files matching
// a compiled pattern set, skipping excluded subtrees entirely rather than
// filtering their contents after the fact.
package discovery

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Patterns is a compiled pattern set: files must match at least one of
// Files and, if Suites is non-empty, at least one of Suites too; any match
// against Exclude prunes the entry (directories are pruned before recursing
// into them).
type Patterns struct {
	Files   []*regexp.Regexp
	Exclude []*regexp.Regexp
	Suites  []*regexp.Regexp
}

// Discover walks root and returns relPath -> absPath for every matching
// file. A non-existent root yields an empty, non-error result.
func Discover(root string, p Patterns) (map[string]string, error) {
	out := make(map[string]string)

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return out, nil
	}

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			fullPath := filepath.Join(dir, entry.Name())
			relPath, err := filepath.Rel(root, fullPath)
			if err != nil {
				return err
			}
			relPath = filepath.ToSlash(relPath)

			if anyMatch(p.Exclude, relPath) {
				continue
			}

			if entry.IsDir() {
				if err := walk(fullPath); err != nil {
					return err
				}
				continue
			}

			if !anyMatch(p.Files, relPath) {
				continue
			}
			if len(p.Suites) > 0 && !anyMatch(p.Suites, relPath) {
				continue
			}
			out[relPath] = fullPath
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

func anyMatch(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// CompilePattern turns one pattern string into a regexp: glob strings are
// translated, anything else is compiled as a regex unchanged. Literal paths
// go through CompileLiteral instead.
func CompilePattern(pattern string, isGlob bool) (*regexp.Regexp, error) {
	if isGlob {
		return regexp.Compile(globToRegexp(pattern))
	}
	return regexp.Compile(pattern)
}

// CompileLiteral anchors and escapes a literal path for exact-match use.
func CompileLiteral(path string) (*regexp.Regexp, error) {
	return regexp.Compile("^" + regexp.QuoteMeta(path) + "$")
}

// globToRegexp translates a glob string to an anchored regexp source,
// supporting **, *, ?, {a,b} alternation, and [abc]/[a-z] classes; every
// other regex metacharacter is escaped.
func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")

	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
				// swallow an immediately following separator so `**/` means
				// "any depth including zero".
				if i+1 < len(runes) && runes[i+1] == '/' {
					i++
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '{':
			b.WriteString("(")
			for i++; i < len(runes) && runes[i] != '}'; i++ {
				if runes[i] == ',' {
					b.WriteString("|")
				} else {
					b.WriteString(regexp.QuoteMeta(string(runes[i])))
				}
			}
			b.WriteString(")")
		case '[':
			b.WriteByte('[')
			for i++; i < len(runes) && runes[i] != ']'; i++ {
				b.WriteRune(runes[i])
			}
			b.WriteByte(']')
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString("$")
	return b.String()
}
