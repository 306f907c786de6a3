package suite

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Case is one expansion of an each-parameterized describe or test: the args
// its body receives and, for the table form, the column-keyed record backing
// $prop interpolation.
type Case struct {
	Args   []any
	Record map[string]any
	Index  int
}

// TableCases expands the tagged-table form: header names columns separated
// by "|", values are row-major cell values. Each row becomes one Case whose
// single arg is the record mapping column name to cell value.
func TableCases(header string, values ...any) ([]Case, error) {
	cols := splitColumns(header)
	if len(cols) == 0 {
		return nil, fmt.Errorf("each table header names no columns: %q", header)
	}
	if len(values)%len(cols) != 0 {
		return nil, fmt.Errorf("each table has %d values for %d columns", len(values), len(cols))
	}

	cases := make([]Case, 0, len(values)/len(cols))
	for row := 0; row*len(cols) < len(values); row++ {
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			record[col] = values[row*len(cols)+i]
		}
		cases = append(cases, Case{Args: []any{record}, Record: record, Index: row})
	}
	return cases, nil
}

func splitColumns(header string) []string {
	parts := strings.Split(header, "|")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			cols = append(cols, trimmed)
		}
	}
	return cols
}

// PositionalCases expands the positional form: each value is one case, and a
// value that is itself a []any is spread as that case's args.
func PositionalCases(values ...any) []Case {
	cases := make([]Case, 0, len(values))
	for i, v := range values {
		if args, ok := v.([]any); ok {
			cases = append(cases, Case{Args: args, Index: i})
			continue
		}
		cases = append(cases, Case{Args: []any{v}, Index: i})
	}
	return cases
}

// FormatDescription interpolates one case into a description template.
//
// The positional form consumes the case's args in order through
// %s/%d/%i/%f/%j/%o/%p, with %# substituting the case index and %% a
// literal percent. The named form addresses the table record through
// $prop (dotted paths allowed) and $# for the case index; it applies only
// to table cases and does not combine with positional directives other
// than %%.
func FormatDescription(desc string, c Case) string {
	if c.Record != nil && strings.Contains(desc, "$") {
		return formatNamed(desc, c)
	}
	return formatPositional(desc, c)
}

func formatPositional(desc string, c Case) string {
	var b strings.Builder
	argIdx := 0
	next := func() (any, bool) {
		if argIdx >= len(c.Args) {
			return nil, false
		}
		v := c.Args[argIdx]
		argIdx++
		return v, true
	}

	runes := []rune(desc)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '%' || i+1 >= len(runes) {
			b.WriteRune(runes[i])
			continue
		}
		verb := runes[i+1]
		switch verb {
		case '%':
			b.WriteByte('%')
			i++
		case '#':
			b.WriteString(strconv.Itoa(c.Index))
			i++
		case 's':
			if v, ok := next(); ok {
				b.WriteString(fmt.Sprintf("%v", v))
			}
			i++
		case 'd', 'i':
			if v, ok := next(); ok {
				b.WriteString(formatInteger(v))
			}
			i++
		case 'f':
			if v, ok := next(); ok {
				b.WriteString(formatFloat(v))
			}
			i++
		case 'j', 'o', 'p':
			if v, ok := next(); ok {
				b.WriteString(formatJSON(v))
			}
			i++
		default:
			b.WriteRune(runes[i])
		}
	}
	return b.String()
}

func formatNamed(desc string, c Case) string {
	var b strings.Builder
	runes := []rune(desc)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '%' && i+1 < len(runes) && runes[i+1] == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if runes[i] != '$' || i+1 >= len(runes) {
			b.WriteRune(runes[i])
			continue
		}
		if runes[i+1] == '#' {
			b.WriteString(strconv.Itoa(c.Index))
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && isPathRune(runes[j]) {
			j++
		}
		if j == i+1 {
			b.WriteRune(runes[i])
			continue
		}
		path := string(runes[i+1 : j])
		if v, ok := lookupPath(c.Record, path); ok {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			b.WriteRune('$')
			b.WriteString(path)
		}
		i = j - 1
	}
	return b.String()
}

func isPathRune(r rune) bool {
	return r == '.' || r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func lookupPath(record map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = record
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func formatInteger(v any) string {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatInt(int64(n), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatFloat(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.FormatFloat(float64(n), 'f', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(n), 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatJSON(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}
