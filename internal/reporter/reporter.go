// Package reporter translates each decoded wire frame the coordinator emits
// into a reporter-facing message with source locations already resolved, so
// the actual output layer (console, TUI) never touches a wire.Frame or a
// raw source map directly.
package reporter

import (
	"encoding/json"
	"path"

	"github.com/kaptinlin/jsonrepair"

	"github.com/cklxx-labs/parallex/internal/coordinator"
	"github.com/cklxx-labs/parallex/internal/enrich"
	"github.com/cklxx-labs/parallex/internal/errtax"
	"github.com/cklxx-labs/parallex/internal/srcmap"
	"github.com/cklxx-labs/parallex/internal/wire"
	"github.com/cklxx-labs/parallex/internal/xlog"
)

// RunnerNameLookup resolves a wire runner id to a human-facing name.
// Local execution has no distinct runner identities beyond the generated
// id, so the default lookup just echoes it back; external mode registers
// real names per runner.
type RunnerNameLookup func(runnerID string) string

func defaultRunnerNameLookup(runnerID string) string { return runnerID }

// Location is a resolved (or best-effort unresolved) source position.
type Location struct {
	Source  string
	Line    int
	Column  int
	Code    string
	Present bool
}

// LogMessage is the reporter-facing shape of a LOG frame.
type LogMessage struct {
	SuiteName   string
	RunnerName  string
	Level       byte
	Context     string
	Timestamp   string
	Location    Location
	Description string
}

// StatusMessage is the reporter-facing shape of a STATUS frame.
type StatusMessage struct {
	SuiteName   string
	RunnerName  string
	Kind        string
	Status      string
	Ancestry    []string
	Description string
}

// ErrorDetail is one parsed+resolved entry from an ACTION frame's errors
// list, or the payload of a standalone ERROR frame.
type ErrorDetail struct {
	Name       string
	Message    string
	Stack      string
	Stacks     string
	FormatCode string
	Location   Location
}

// ActionMessage is the reporter-facing shape of an ACTION frame.
type ActionMessage struct {
	SuiteName   string
	RunnerName  string
	Kind        string
	Action      string
	Ancestry    []string
	Description string
	Errors      []ErrorDetail
	Duration    uint32
	Location    Location
}

// ErrorMessage is the reporter-facing shape of a standalone ERROR frame.
type ErrorMessage struct {
	SuiteName  string
	RunnerName string
	Error      ErrorDetail
}

// Sink receives translated messages; the CLI's pass/fail summary printer
// is the one concrete Sink this repo ships.
type Sink interface {
	Log(LogMessage)
	Status(StatusMessage)
	Action(ActionMessage)
	Error(ErrorMessage)
}

// Handler is the C9 message handler: it owns no suite/queue state, only the
// source-map index and runner-name lookup it needs to translate frames.
type Handler struct {
	idx         *srcmap.Index
	runnerNames RunnerNameLookup
	formatter   enrich.CodeFormatter
	opts        enrich.Options
	log         xlog.Logger
}

// Option customizes a Handler.
type Option func(*Handler)

// WithRunnerNames injects a real runner-name lookup (external mode).
func WithRunnerNames(lookup RunnerNameLookup) Option {
	return func(h *Handler) { h.runnerNames = lookup }
}

// WithCodeFormatter injects a highlighting CodeFormatter; defaults to
// enrich.PlainCodeFormatter.
func WithCodeFormatter(f enrich.CodeFormatter) Option {
	return func(h *Handler) { h.formatter = f }
}

// WithEnrichOptions controls the framework/native stack-filtering rules.
func WithEnrichOptions(o enrich.Options) Option {
	return func(h *Handler) { h.opts = o }
}

// New builds a Handler over idx, the same source-map index the coordinator
// registers suites into.
func New(idx *srcmap.Index, opts ...Option) *Handler {
	h := &Handler{
		idx:         idx,
		runnerNames: defaultRunnerNameLookup,
		formatter:   enrich.PlainCodeFormatter{},
		log:         xlog.NewComponentLogger("reporter"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Attach registers the handler against every coordinator event and forwards
// each translated message to sink. Nothing here catches a panicking sink:
// the coordinator's own emit already isolates panicking handlers, and
// Attach's callbacks run inside that same catch.
func (h *Handler) Attach(c *coordinator.Coordinator, sink Sink) {
	c.On(coordinator.EventLog, func(ev coordinator.Event) { sink.Log(h.HandleLog(ev)) })
	c.On(coordinator.EventStatus, func(ev coordinator.Event) { sink.Status(h.HandleStatus(ev)) })
	c.On(coordinator.EventAction, func(ev coordinator.Event) { sink.Action(h.HandleAction(ev)) })
	c.On(coordinator.EventError, func(ev coordinator.Event) { sink.Error(h.HandleError(ev)) })
}

func (h *Handler) runnerName(ev coordinator.Event) string {
	return h.runnerNames(ev.Frame.Header.RunnerID)
}

// HandleLog translates a LOG frame, resolving its (line, column) through
// the suite's source map: location.source = join(dirname(suitePath),
// mappedSource).
func (h *Handler) HandleLog(ev coordinator.Event) LogMessage {
	body := ev.Frame.Log
	msg := LogMessage{
		SuiteName:   ev.RelPath,
		RunnerName:  h.runnerName(ev),
		Level:       body.Level,
		Context:     body.Context,
		Timestamp:   body.Timestamp,
		Description: body.Description,
	}
	if pos, ok := h.idx.Resolve(ev.SuiteID, int(body.Location.Line), int(body.Location.Column)); ok {
		msg.Location = Location{
			Source:  joinSuiteRelative(ev.RelPath, pos.Source),
			Line:    pos.Line,
			Column:  pos.Column,
			Code:    pos.Code,
			Present: true,
		}
	}
	return msg
}

// HandleStatus translates a STATUS frame: expands the kind/status enums to
// lowercase names and parses the ancestry JSON.
func (h *Handler) HandleStatus(ev coordinator.Event) StatusMessage {
	body := ev.Frame.Status
	return StatusMessage{
		SuiteName:   ev.RelPath,
		RunnerName:  h.runnerName(ev),
		Kind:        kindName(body.Kind),
		Status:      statusName(body.Status),
		Ancestry:    parseAncestry(body.Ancestry),
		Description: body.Description,
	}
}

// HandleAction translates an ACTION frame, including the tolerant
// errors-JSON parse: a jsonrepair pass is attempted before falling back to
// an empty list, and the parse failure itself is logged, never propagated.
func (h *Handler) HandleAction(ev coordinator.Event) ActionMessage {
	body := ev.Frame.Action
	msg := ActionMessage{
		SuiteName:   ev.RelPath,
		RunnerName:  h.runnerName(ev),
		Kind:        kindName(body.Kind),
		Action:      actionName(body.Action),
		Ancestry:    parseAncestry(body.Ancestry),
		Description: body.Description,
		Duration:    body.Duration,
		Location:    h.resolveLocation(ev.SuiteID, ev.RelPath, body.Location),
	}
	msg.Errors = h.parseErrors(ev.SuiteID, ev.RelPath, body.Errors)
	return msg
}

// HandleError translates a standalone ERROR frame.
func (h *Handler) HandleError(ev coordinator.Event) ErrorMessage {
	var detail ErrorDetail
	var single rawError
	if err := json.Unmarshal([]byte(ev.Frame.Err.Error), &single); err == nil {
		detail = h.resolveError(ev.SuiteID, ev.RelPath, single)
	} else if errs := h.parseErrors(ev.SuiteID, ev.RelPath, ev.Frame.Err.Error); len(errs) > 0 {
		detail = errs[0]
	}
	return ErrorMessage{SuiteName: ev.RelPath, RunnerName: h.runnerName(ev), Error: detail}
}

type rawLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// rawError is the tolerant decode target for one entry of an
// errors-JSON array or a standalone error body: it accepts the
// {name, message, stack, ...ownProps} shape without requiring every extra
// prop to be named up front.
type rawError struct {
	Name     string       `json:"name"`
	Message  string       `json:"message"`
	Stack    string       `json:"stack"`
	Location *rawLocation `json:"location"`
}

func (h *Handler) parseErrors(suiteID, relPath, raw string) []ErrorDetail {
	if raw == "" {
		return nil
	}
	var entries []rawError
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			h.log.Error("errors JSON unparseable for %s and unrepairable: %v", relPath, err)
			return nil
		}
		if err := json.Unmarshal([]byte(repaired), &entries); err != nil {
			h.log.Error("errors JSON unparseable for %s even after repair: %v", relPath, err)
			return nil
		}
	}

	out := make([]ErrorDetail, 0, len(entries))
	for _, e := range entries {
		out = append(out, h.resolveError(suiteID, relPath, e))
	}
	return out
}

// resolveError picks the location strategy per error: one carrying its own
// location and classified as Failing/Timeout resolves that location
// directly; everything else derives its position (and rendered stack) from
// the error's stack string via the source map.
func (h *Handler) resolveError(suiteID, relPath string, e rawError) ErrorDetail {
	detail := ErrorDetail{Name: e.Name, Message: e.Message, Stack: e.Stack}

	if e.Location != nil && (e.Name == "Failing" || e.Name == "Timeout") {
		detail.Location = h.resolveLocation(suiteID, relPath, wire.Location{
			Line: uint32(e.Location.Line), Column: uint32(e.Location.Column),
		})
		return detail
	}

	enriched := enrich.Enrich(toFrameError(e), suiteID, h.idx, h.opts, h.formatter)
	detail.Message = enriched.Message
	detail.Stacks = enriched.Stacks
	detail.FormatCode = enriched.FormatCode
	if enriched.HasPosition {
		detail.Location = Location{
			Source:  relPath,
			Line:    enriched.Line,
			Column:  enriched.Column,
			Code:    enriched.Code,
			Present: true,
		}
	}
	return detail
}

func (h *Handler) resolveLocation(suiteID, relPath string, loc wire.Location) Location {
	pos, ok := h.idx.Resolve(suiteID, int(loc.Line), int(loc.Column))
	if !ok {
		return Location{}
	}
	return Location{
		Source:  joinSuiteRelative(relPath, pos.Source),
		Line:    pos.Line,
		Column:  pos.Column,
		Code:    pos.Code,
		Present: true,
	}
}

func toFrameErrorExtra(e rawError) map[string]any {
	if e.Location == nil {
		return nil
	}
	return map[string]any{"location": map[string]int{"line": e.Location.Line, "column": e.Location.Column}}
}

func toFrameError(e rawError) errtax.FrameError {
	return errtax.FrameError{Name: e.Name, Message: e.Message, Stack: e.Stack, Extra: toFrameErrorExtra(e)}
}

func joinSuiteRelative(suitePath, mappedSource string) string {
	return path.Join(path.Dir(suitePath), mappedSource)
}

func parseAncestry(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func kindName(k wire.Kind) string {
	switch k {
	case wire.KindTest:
		return "test"
	case wire.KindSuite:
		return "suite"
	case wire.KindDescribe:
		return "describe"
	default:
		return "unknown"
	}
}

func statusName(s wire.Status) string {
	switch s {
	case wire.StatusEnd:
		return "end"
	case wire.StatusSkip:
		return "skip"
	case wire.StatusTodo:
		return "todo"
	case wire.StatusStart:
		return "start"
	default:
		return "unknown"
	}
}

func actionName(a wire.Action) string {
	switch a {
	case wire.ActionFailure:
		return "failure"
	case wire.ActionSuccess:
		return "success"
	default:
		return "unknown"
	}
}
