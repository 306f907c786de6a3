// Package bundle defines the contract for turning a discovered spec file
// into a single executable bundle with an attached source map, and ships
// one trivial concrete implementation, IdentityBundler, so the CLI is
// runnable end-to-end against plain JS fixtures without a real bundler
// plugged in.
package bundle

import (
	"encoding/json"
	"os"
)

// Bundler turns one discovered test file into a single executable bundle
// plus its attached source map. A real implementation would
// transpile/minify/concatenate; this package exists only to give the
// contract a callable home.
type Bundler interface {
	Bundle(absPath string) (code string, sourceMap []byte, err error)
}

// IdentityBundler reads a file verbatim and synthesizes an identity V3
// source map — one segment per line, mapping generated line N to original
// line N unchanged. This is explicitly a stand-in for local dev/demo use,
// not a real transpiler: it does no parsing, minification, or
// module bundling.
type IdentityBundler struct{}

type v3SourceMap struct {
	Version        int      `json:"version"`
	Sources        []string `json:"sources"`
	SourcesContent []string `json:"sourcesContent"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
}

// Bundle implements Bundler.
func (IdentityBundler) Bundle(absPath string) (string, []byte, error) {
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return "", nil, err
	}
	code := string(raw)

	lineCount := 1
	for _, b := range raw {
		if b == '\n' {
			lineCount++
		}
	}

	sm := v3SourceMap{
		Version:        3,
		Sources:        []string{absPath},
		SourcesContent: []string{code},
		Names:          []string{},
		Mappings:       identityMappings(lineCount),
	}
	encoded, err := json.Marshal(sm)
	if err != nil {
		return "", nil, err
	}
	return code, encoded, nil
}

// identityMappings builds a VLQ mapping string with one "each generated
// line maps straight to the same original line" segment per line: "AAAA"
// for the first line (all-zero deltas), then "AACA" for every subsequent
// line (a +1 delta on the original-line field, VLQ-encoded as 'C').
func identityMappings(lines int) string {
	if lines <= 0 {
		return ""
	}
	out := "AAAA"
	for i := 1; i < lines; i++ {
		out += ";AACA"
	}
	return out
}
