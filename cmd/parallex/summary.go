package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/cklxx-labs/parallex/internal/reporter"
)

var (
	passColor = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.FgHiBlack)

	boxStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder())
	boxPassStyle = boxStyle.Foreground(lipgloss.Color("10"))
	boxFailStyle = boxStyle.Foreground(lipgloss.Color("9"))
)

// summarySink is the one concrete reporter.Sink this repo ships: it prints
// each action/error as it arrives and tallies a final pass/fail count.
type summarySink struct {
	out       io.Writer
	colorized bool

	mu     sync.Mutex
	passed int
	failed int
}

func newSummarySink(out io.Writer) *summarySink {
	colorized := false
	if f, ok := out.(*os.File); ok {
		colorized = term.IsTerminal(int(f.Fd()))
	}
	return &summarySink{out: out, colorized: colorized}
}

func (s *summarySink) Log(msg reporter.LogMessage) {
	fmt.Fprintf(s.out, "%s %s\n", dim(s.colorized, "[log]"), msg.Description)
}

func (s *summarySink) Status(msg reporter.StatusMessage) {}

func (s *summarySink) Action(msg reporter.ActionMessage) {
	s.mu.Lock()
	if msg.Action == "success" {
		s.passed++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	label := pass(s.colorized, "PASS")
	if msg.Action != "success" {
		label = fail(s.colorized, "FAIL")
	}
	name := msg.Description
	if len(msg.Ancestry) > 0 {
		name = fmt.Sprintf("%v > %s", msg.Ancestry, msg.Description)
	}
	fmt.Fprintf(s.out, "%s %s (%dms)\n", label, name, msg.Duration)
	for _, e := range msg.Errors {
		fmt.Fprintf(s.out, "    %s: %s\n", e.Name, e.Message)
	}
}

func (s *summarySink) Error(msg reporter.ErrorMessage) {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
	fmt.Fprintf(s.out, "%s %s: %s\n", fail(s.colorized, "ERROR"), msg.SuiteName, msg.Error.Message)
}

// PrintSummary prints the final pass/fail tally: in a bordered, colored box
// when colorized, as a plain line otherwise.
func (s *summarySink) PrintSummary() {
	s.mu.Lock()
	passed, failed := s.passed, s.failed
	s.mu.Unlock()

	text := fmt.Sprintf("%d passed, %d failed", passed, failed)
	if !s.colorized {
		fmt.Fprintf(s.out, "\n%s\n", text)
		return
	}
	style := boxPassStyle
	if failed > 0 {
		style = boxFailStyle
	}
	fmt.Fprintf(s.out, "\n%s\n", style.Render(text))
}

// FailedCount returns how many tests/suites failed, for the CLI's exit code.
func (s *summarySink) FailedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func pass(colorized bool, s string) string {
	if !colorized {
		return s
	}
	return passColor.Sprint(s)
}

func fail(colorized bool, s string) string {
	if !colorized {
		return s
	}
	return failColor.Sprint(s)
}

func dim(colorized bool, s string) string {
	if !colorized {
		return s
	}
	return dimColor.Sprint(s)
}
