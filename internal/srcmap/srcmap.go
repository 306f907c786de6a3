// Package srcmap resolves generated (line, column) positions back to their
// original (source, line, column) and, where the map embeds the original
// content, the original source line. VLQ decoding is delegated entirely to
// go-sourcemap/sourcemap; this package only adds suite-scoped lookup and
// bounded caching on top.
package srcmap

import (
	"encoding/json"
	"strings"

	"github.com/go-sourcemap/sourcemap"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cklxx-labs/parallex/internal/errtax"
)

// Position is the resolved original-source location; Code is populated only
// when the original source content is embedded in the map.
type Position struct {
	Source     string
	Line       int
	Column     int
	Code       string
	SourceRoot string
	// Name is the original identifier the mapping carries at this position,
	// when the source map embeds one — used by error enrichment to recover
	// the real name behind a minified "x is not a function" message.
	Name string
}

type suiteMap struct {
	consumer   *sourcemap.Consumer
	sourceRoot string
}

// Index resolves generated positions for every registered suite. One Index
// is owned by the coordinator; nothing here is package-global.
type Index struct {
	cache *lru.Cache[string, *suiteMap]
}

// defaultCacheSize bounds how many suites' parsed maps are held at once;
// beyond this the least recently used map is evicted, and Resolve reports
// ok=false for an evicted suite (its raw map bytes are not kept).
const defaultCacheSize = 256

// New constructs an Index with the default bound on cached consumers.
func New() (*Index, error) {
	return NewSized(defaultCacheSize)
}

// NewSized constructs an Index caching at most size parsed consumers.
func NewSized(size int) (*Index, error) {
	c, err := lru.New[string, *suiteMap](size)
	if err != nil {
		return nil, err
	}
	return &Index{cache: c}, nil
}

// Register parses raw (the bundler's attached source map JSON) and
// associates it with suiteID, evicting the least recently used entry if the
// cache is full.
func (idx *Index) Register(suiteID string, raw []byte) error {
	consumer, err := sourcemap.Parse(suiteID, raw)
	if err != nil {
		return &errtax.SourceMapLoadFailureError{Source: suiteID, Err: err}
	}
	// go-sourcemap applies sourceRoot while resolving but does not expose it;
	// callers rendering mapped paths still want it, so pull it off the JSON.
	var meta struct {
		SourceRoot string `json:"sourceRoot"`
	}
	_ = json.Unmarshal(raw, &meta)
	idx.cache.Add(suiteID, &suiteMap{consumer: consumer, sourceRoot: meta.SourceRoot})
	return nil
}

// Resolve maps a generated (line, column) for suiteID back to its original
// position. It returns ok=false if suiteID was never registered or the
// position isn't covered by any mapping.
func (idx *Index) Resolve(suiteID string, line, column int) (Position, bool) {
	sm, found := idx.cache.Get(suiteID)
	if !found {
		return Position{}, false
	}
	source, name, l, c, ok := sm.consumer.Source(line, column)
	if !ok {
		return Position{}, false
	}
	return Position{
		Source:     source,
		Line:       l,
		Column:     c,
		Code:       sourceLine(sm.consumer, source, l),
		SourceRoot: sm.sourceRoot,
		Name:       name,
	}, true
}

// sourceLine extracts original line number `line` (1-based) from the map's
// embedded sourcesContent, returning "" when the content isn't embedded.
func sourceLine(consumer *sourcemap.Consumer, source string, line int) string {
	content := consumer.SourceContent(source)
	if content == "" || line < 1 {
		return ""
	}
	lines := strings.Split(content, "\n")
	if line > len(lines) {
		return ""
	}
	return lines[line-1]
}

// Forget evicts suiteID's map, freeing it once the suite has completed.
func (idx *Index) Forget(suiteID string) {
	idx.cache.Remove(suiteID)
}
