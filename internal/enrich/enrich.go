// Package enrich rewrites runtime errors for reporting: given an
// Error-shaped object (name, message, stack) and a suite's source map, it
// produces a serializable error carrying the original stack plus a
// source-mapped "stacks" rendering, and, where the error's own position is
// resolvable, the mapped line/column/code.
package enrich

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cklxx-labs/parallex/internal/errtax"
	"github.com/cklxx-labs/parallex/internal/srcmap"
)

// CodeFormatter turns a resolved position's source line into a highlighted
// block. The actual highlighting (syntax colors, caret underline) is
// supplied by the reporter; PlainCodeFormatter is the only implementation
// shipped here.
type CodeFormatter interface {
	FormatCode(code string, line, column int) string
}

// PlainCodeFormatter returns the code line unchanged; a real CLI/reporter
// may inject a colorized formatter instead.
type PlainCodeFormatter struct{}

func (PlainCodeFormatter) FormatCode(code string, _, _ int) string { return code }

// Options toggles which otherwise-hidden frames survive stack filtering.
type Options struct {
	IncludeFramework bool
	ActiveNative     bool
}

// Enriched is the reporter-ready error shape.
type Enriched struct {
	Name        string
	Message     string
	Stack       string
	Stacks      string
	Line        int
	Column      int
	Code        string
	FormatCode  string
	HasPosition bool
}

// frameworkPrefixes identifies generated-source paths that belong to the
// sandbox DSL wrapper itself rather than to user test code; frames whose
// file carries one of these prefixes are excluded from rendered stacks
// unless Options.IncludeFramework is set.
var frameworkPrefixes = []string{"xjet-internal:", "<sandbox>", "goja/"}

var stackLineRe = regexp.MustCompile(`^\s*at\s+(?:(.+?)\s+\()?(.+?):(\d+):(\d+)\)?\s*$`)
var promiseAllRe = regexp.MustCompile(`Promise\.all\s*\(index\s*(\d+)\)`)
var notAFunctionRe = regexp.MustCompile(`^(\S+) is not a function$`)

type parsedFrame struct {
	functionName string
	file         string
	line         int
	column       int
	native       bool
	framework    bool
	promiseIndex int
	isPromise    bool
}

func parseStack(stack string) []parsedFrame {
	lines := strings.Split(stack, "\n")
	frames := make([]parsedFrame, 0, len(lines))
	for _, line := range lines {
		if m := promiseAllRe.FindStringSubmatch(line); m != nil {
			idx, _ := strconv.Atoi(m[1])
			frames = append(frames, parsedFrame{isPromise: true, promiseIndex: idx})
			continue
		}
		m := stackLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fn, file := m[1], m[2]
		lineNo, _ := strconv.Atoi(m[3])
		col, _ := strconv.Atoi(m[4])
		frames = append(frames, parsedFrame{
			functionName: fn,
			file:         normalizeFile(file),
			line:         lineNo,
			column:       col,
			native:       strings.Contains(file, "native"),
			framework:    isFrameworkFile(file),
		})
	}
	return frames
}

func normalizeFile(file string) string {
	if strings.HasPrefix(file, "file://") {
		return strings.TrimPrefix(file, "file://")
	}
	return file // http(s):// and plain paths pass through unchanged
}

func isFrameworkFile(file string) bool {
	for _, p := range frameworkPrefixes {
		if strings.HasPrefix(file, p) {
			return true
		}
	}
	return false
}

func renderFrame(f parsedFrame, idx *srcmap.Index, suiteID string) string {
	if f.isPromise {
		return fmt.Sprintf("at async Promise.all (index: %d)", f.promiseIndex)
	}
	name := f.functionName
	if name == "" {
		name = "<anonymous>"
	}

	// Native frames have no generated-source position worth mapping; render
	// them as-is so an opted-in stack still shows where the VM was.
	if f.native {
		return fmt.Sprintf("at %s %s#L%d [%d:%d]", name, f.file, f.line, f.line, f.column)
	}

	pos, ok := idx.Resolve(suiteID, f.line, f.column)
	if !ok {
		return fmt.Sprintf("at %s %s#L%d [%d:%d]", name, f.file, f.line, f.line, f.column)
	}
	mapped := pos.Source
	if pos.SourceRoot != "" {
		mapped = pos.SourceRoot + "/" + mapped
	}
	return fmt.Sprintf("at %s %s#L%d [%d:%d]", name, mapped, pos.Line, pos.Line, pos.Column)
}

// Enrich produces the enriched error. suiteID selects which suite's
// registered source map is consulted; frames from a never-registered or
// already-forgotten suite still render, just without a mapped position.
func Enrich(fe errtax.FrameError, suiteID string, idx *srcmap.Index, opts Options, formatter CodeFormatter) Enriched {
	if formatter == nil {
		formatter = PlainCodeFormatter{}
	}

	out := Enriched{Name: fe.Name, Message: fe.Message, Stack: fe.Stack}

	frames := parseStack(fe.Stack)
	var rendered []string
	var firstLine, firstCol int
	var firstOK bool
	var firstName string

	for _, f := range frames {
		if !f.isPromise {
			if f.native && !opts.ActiveNative {
				continue
			}
			if f.framework && !opts.IncludeFramework {
				continue
			}
		}
		rendered = append(rendered, renderFrame(f, idx, suiteID))

		if !firstOK && !f.isPromise && !f.native {
			if pos, ok := idx.Resolve(suiteID, f.line, f.column); ok {
				firstLine, firstCol, firstOK, firstName = pos.Line, pos.Column, true, pos.Name
				out.Code = pos.Code
			}
		}
	}
	out.Stacks = strings.Join(rendered, "\n")

	if firstOK {
		out.HasPosition = true
		out.Line = firstLine
		out.Column = firstCol
		out.FormatCode = formatter.FormatCode(out.Code, firstLine, firstCol)

		if m := notAFunctionRe.FindStringSubmatch(fe.Message); m != nil && firstName != "" {
			out.Message = fmt.Sprintf("%s is not a function", firstName)
		}
	}

	return out
}
