// Package sandbox implements the local-execution sandbox host: one
// goja.Runtime per suite, exposing the describe/test DSL, a minimal
// Buffer/timer polyfill, the runtime context, and the native dispatch
// callback that emits framed wire messages back to the coordinator.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/cklxx-labs/parallex/internal/errtax"
	"github.com/cklxx-labs/parallex/internal/mock"
	"github.com/cklxx-labs/parallex/internal/suite"
	"github.com/cklxx-labs/parallex/internal/wire"
	"github.com/cklxx-labs/parallex/internal/xlog"
)

// timerPolyfill is a deliberately simplified setTimeout/setInterval: the
// sandbox is single-threaded and cooperative, so instead of a real event
// loop, every scheduled job is queued and drained, in registration order,
// once the suite's synchronous top-level evaluation returns. A job
// scheduled by another job during drain is picked up in the same sweep;
// setInterval fires exactly once rather than repeating — a documented
// simplification, since local execution here never depends on real
// interval repetition.
type timerPolyfill struct {
	mu        sync.Mutex
	nextID    int
	jobs      map[int]func()
	cancelled map[int]bool
}

func newTimerPolyfill() *timerPolyfill {
	return &timerPolyfill{jobs: map[int]func(){}, cancelled: map[int]bool{}}
}

func (t *timerPolyfill) schedule(fn func()) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.jobs[id] = fn
	return id
}

func (t *timerPolyfill) cancel(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled[id] = true
}

// drain runs every pending job in id order, repeating until a sweep adds
// nothing new, so jobs scheduled from within a running job still execute.
func (t *timerPolyfill) drain() {
	for {
		t.mu.Lock()
		if len(t.jobs) == 0 {
			t.mu.Unlock()
			return
		}
		batch := t.jobs
		t.jobs = map[int]func(){}
		t.mu.Unlock()

		ids := make([]int, 0, len(batch))
		for id := range batch {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			t.mu.Lock()
			cancelled := t.cancelled[id]
			t.mu.Unlock()
			if !cancelled {
				batch[id]()
			}
		}
	}
}

// Host owns one goja.Runtime and the suite.SuiteState it drives.
type Host struct {
	vm       *goja.Runtime
	state    *suite.SuiteState
	timers   *timerPolyfill
	log      xlog.Logger
	rc       suite.RuntimeContext
	dispatch suite.DispatchFunc
}

// New builds a Host for one suite invocation. dispatch is bound to the
// coordinator's entry point; frames it emits are already fully encoded.
func New(rc suite.RuntimeContext, dispatch suite.DispatchFunc) (*Host, error) {
	state, err := suite.New(rc, dispatch)
	if err != nil {
		return nil, err
	}

	h := &Host{
		vm:       goja.New(),
		state:    state,
		timers:   newTimerPolyfill(),
		log:      xlog.NewComponentLogger("sandbox"),
		rc:       rc,
		dispatch: dispatch,
	}
	if err := h.wireGlobals(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) wireGlobals() error {
	vm := h.vm

	if _, err := vm.RunString(`
		globalThis.Buffer = {
			from: function(data) { return new Uint8Array(data); },
			alloc: function(n) { return new Uint8Array(n); },
		};
	`); err != nil {
		return fmt.Errorf("install Buffer polyfill: %w", err)
	}

	if err := vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		id := h.timers.schedule(func() { _, _ = fn(goja.Undefined()) })
		return vm.ToValue(id)
	}); err != nil {
		return err
	}
	if err := vm.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			return goja.Undefined()
		}
		id := h.timers.schedule(func() { _, _ = fn(goja.Undefined()) })
		return vm.ToValue(id)
	}); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		h.timers.cancel(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := vm.Set("clearInterval", func(call goja.FunctionCall) goja.Value {
		h.timers.cancel(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	}); err != nil {
		return err
	}

	runtimeObj := vm.NewObject()
	_ = runtimeObj.Set("bail", h.rc.Bail)
	_ = runtimeObj.Set("filter", h.rc.Filter)
	_ = runtimeObj.Set("timeoutMs", h.rc.TimeoutMS)
	_ = runtimeObj.Set("randomize", h.rc.Randomize)
	_ = runtimeObj.Set("suiteId", h.rc.SuiteID)
	_ = runtimeObj.Set("runnerId", h.rc.RunnerID)
	_ = runtimeObj.Set("relativePath", h.rc.RelativePath)

	xjet := vm.NewObject()
	if err := xjet.Set("runtime", runtimeObj); err != nil {
		return err
	}
	if err := vm.GlobalObject().DefineDataProperty("__XJET", xjet, goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE); err != nil {
		return err
	}

	return h.wireSuiteDSL()
}

// wireSuiteDSL exposes describe/test/it (and their .each variants) against
// the Go-side SuiteState.
func (h *Host) wireSuiteDSL() error {
	vm := h.vm
	s := h.state

	addDescribe := func(description string, bodyFn goja.Callable, optsVal goja.Value, args []goja.Value) {
		flags := suite.Flags{}
		if opts, ok := optsVal.(*goja.Object); ok {
			flags.Skip = truthy(opts.Get("skip"))
			flags.Only = truthy(opts.Get("only"))
		}
		err := s.AddDescribe(description, func() error {
			_, callErr := bodyFn(goja.Undefined(), args...)
			return callErr
		}, flags)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
	}

	addTest := func(description string, bodyFn goja.Callable, optsVal goja.Value, args []goja.Value) {
		opts := suite.TestOptions{}
		if o, ok := optsVal.(*goja.Object); ok {
			opts.Skip = truthy(o.Get("skip"))
			opts.Only = truthy(o.Get("only"))
			if tm := o.Get("timeout"); tm != nil && !goja.IsUndefined(tm) {
				ms := int(tm.ToInteger())
				opts.TimeoutMS = &ms
			}
		}
		body := suite.TestBody(func(context.Context) error {
			_, callErr := bodyFn(goja.Undefined(), args...)
			return callErr
		})
		if err := s.AddTest(&suite.Test{Description: description, Body: body, Options: opts}); err != nil {
			panic(vm.ToValue(err.Error()))
		}
	}

	describeFn := func(call goja.FunctionCall) goja.Value {
		bodyFn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.ToValue("describe requires a function body"))
		}
		addDescribe(call.Argument(0).String(), bodyFn, call.Argument(2), nil)
		return goja.Undefined()
	}

	testFn := func(call goja.FunctionCall) goja.Value {
		bodyFn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.ToValue("test requires a function body"))
		}
		addTest(call.Argument(0).String(), bodyFn, call.Argument(2), nil)
		return goja.Undefined()
	}

	// each returns a registrar: every expanded case registers one node with
	// an interpolated description and the case's args bound to its body.
	makeEach := func(register func(description string, bodyFn goja.Callable, optsVal goja.Value, args []goja.Value)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			cases, err := h.casesFromArgs(call.Arguments)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(func(inner goja.FunctionCall) goja.Value {
				template := inner.Argument(0).String()
				bodyFn, ok := goja.AssertFunction(inner.Argument(1))
				if !ok {
					panic(vm.ToValue("each requires a function body"))
				}
				for _, c := range cases {
					args := make([]goja.Value, len(c.Args))
					for i, a := range c.Args {
						args[i] = vm.ToValue(a)
					}
					register(suite.FormatDescription(template, c), bodyFn, inner.Argument(2), args)
				}
				return goja.Undefined()
			})
		}
	}

	if err := setWithEach(vm, "describe", describeFn, makeEach(addDescribe)); err != nil {
		return err
	}
	if err := setWithEach(vm, "test", testFn, makeEach(addTest)); err != nil {
		return err
	}
	if err := setWithEach(vm, "it", testFn, makeEach(addTest)); err != nil {
		return err
	}
	return h.wireMockDSL()
}

// setWithEach installs fn as a global and hangs the each registrar off the
// resulting function object, so `test(...)` and `test.each(...)(...)` share
// one identity.
func setWithEach(vm *goja.Runtime, name string, fn func(goja.FunctionCall) goja.Value, each func(goja.FunctionCall) goja.Value) error {
	if err := vm.Set(name, fn); err != nil {
		return err
	}
	obj, ok := vm.Get(name).(*goja.Object)
	if !ok {
		return fmt.Errorf("global %s did not install as an object", name)
	}
	return obj.Set("each", each)
}

// casesFromArgs expands each's arguments: a leading "|"-separated header
// string selects the table form (remaining args are row-major cell values),
// anything else is positional (arrays spread as that case's args).
func (h *Host) casesFromArgs(args []goja.Value) ([]suite.Case, error) {
	exported := make([]any, len(args))
	for i, a := range args {
		exported[i] = a.Export()
	}
	if len(exported) > 0 {
		if header, ok := exported[0].(string); ok && strings.Contains(header, "|") {
			return suite.TableCases(header, exported[1:]...)
		}
	}
	return suite.PositionalCases(exported...), nil
}

// wireMockDSL exposes the mock/spy engine to sandboxed test code as
// `jest.fn`/`jest.spyOn`/`jest.mock`. The Go side stays a plain
// Call/Construct pair; the JS shim installed here is what decides which one
// a sandboxed `new mockFn(...)` invokes.
func (h *Host) wireMockDSL() error {
	vm := h.vm

	jestObj := vm.NewObject()

	fn := func(call goja.FunctionCall) goja.Value {
		var impl mock.Impl
		if bodyFn, ok := goja.AssertFunction(call.Argument(0)); ok {
			impl = callThroughJS(bodyFn)
		}
		m := mock.Fn(vm, impl, nil, "mock.fn")
		return wrapMock(vm, m)
	}
	if err := jestObj.Set("fn", fn); err != nil {
		return err
	}

	spyOn := func(call goja.FunctionCall) goja.Value {
		target, ok := call.Argument(0).(*goja.Object)
		if !ok {
			panic(vm.ToValue((&errtax.PrimitiveTargetError{Kind: call.Argument(0).ExportType().String()}).Error()))
		}
		key := call.Argument(1).String()
		m, err := mock.SpyOn(vm, target, key)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return wrapMock(vm, m)
	}
	if err := jestObj.Set("spyOn", spyOn); err != nil {
		return err
	}

	mockMethod := func(call goja.FunctionCall) goja.Value {
		owner, ok := call.Argument(0).(*goja.Object)
		if !ok {
			panic(vm.ToValue((&errtax.PrimitiveTargetError{Kind: call.Argument(0).ExportType().String()}).Error()))
		}
		key := call.Argument(1).String()
		m, err := mock.MockMethod(vm, owner, key)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return wrapMock(vm, m)
	}
	if err := jestObj.Set("mock", mockMethod); err != nil {
		return err
	}

	return vm.Set("jest", jestObj)
}

// callThroughJS adapts a goja callable into the mock.Impl signature used as
// `jest.fn(impl)`'s default implementation.
func callThroughJS(fn func(goja.Value, ...goja.Value) (goja.Value, error)) mock.Impl {
	return func(this goja.Value, args []goja.Value) (goja.Value, goja.Value, bool) {
		ret, err := fn(this, args...)
		if err != nil {
			if ex, ok := err.(*goja.Exception); ok {
				return nil, ex.Value(), true
			}
			return nil, nil, true
		}
		return ret, nil, false
	}
}

// mockTrampoline is the JS-facing shim promised by wireMockDSL's doc comment:
// a native Go function value can't observe whether it was invoked via `new`,
// so the choice between Mock.Call and Mock.Construct has to be made by actual
// ECMAScript using new.target, not by the Go closures underneath it. Compiled
// once and instantiated (cheaply, via the closure arguments) per mock.
var mockTrampoline = goja.MustCompile("mock_trampoline.js", `(function(callImpl, constructImpl) {
	return function() {
		if (new.target) {
			return constructImpl.apply(this, arguments);
		}
		return callImpl.apply(this, arguments);
	};
})`, false)

// wrapMock exposes one *mock.Mock as the callable-and-constructible object
// the sandboxed DSL hands back from jest.fn/spyOn/mock: a plain call runs
// Mock.Call, `new mock(...)` runs Mock.Construct (populating
// `.mock.instances`), and the jest-style mockReturnValue/mockImplementation/
// mockClear/mockReset/mockRestore helpers plus a snapshot `.mock` property
// (calls/results/instances/contexts/invocationCallOrder) are attached as
// properties on the function object itself, matching how a plain JS function
// doubles as an object.
func wrapMock(vm *goja.Runtime, m *mock.Mock) *goja.Object {
	factoryVal, err := vm.RunProgram(mockTrampoline)
	if err != nil {
		panic(vm.ToValue(err.Error()))
	}
	factory, ok := goja.AssertFunction(factoryVal)
	if !ok {
		panic(vm.ToValue("mock trampoline did not compile to a function"))
	}

	callImpl := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return m.Call(call.This, call.Arguments)
	})
	constructImpl := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		instance, ok := call.This.(*goja.Object)
		if !ok {
			instance = vm.NewObject()
		}
		return m.Construct(instance, call.Arguments)
	})

	callable, err := factory(goja.Undefined(), callImpl, constructImpl)
	if err != nil {
		panic(vm.ToValue(err.Error()))
	}
	obj, ok := callable.(*goja.Object)
	if !ok {
		obj = vm.NewObject()
	}

	_ = obj.Set("mockReturnValue", func(call goja.FunctionCall) goja.Value {
		m.MockReturnValue(call.Argument(0))
		return callable
	})
	_ = obj.Set("mockReturnValueOnce", func(call goja.FunctionCall) goja.Value {
		m.MockReturnValueOnce(call.Argument(0))
		return callable
	})
	_ = obj.Set("mockResolvedValue", func(call goja.FunctionCall) goja.Value {
		m.MockResolvedValue(call.Argument(0))
		return callable
	})
	_ = obj.Set("mockResolvedValueOnce", func(call goja.FunctionCall) goja.Value {
		m.MockResolvedValueOnce(call.Argument(0))
		return callable
	})
	_ = obj.Set("mockRejectedValue", func(call goja.FunctionCall) goja.Value {
		m.MockRejectedValue(call.Argument(0))
		return callable
	})
	_ = obj.Set("mockRejectedValueOnce", func(call goja.FunctionCall) goja.Value {
		m.MockRejectedValueOnce(call.Argument(0))
		return callable
	})
	_ = obj.Set("mockImplementation", func(call goja.FunctionCall) goja.Value {
		if bodyFn, ok := goja.AssertFunction(call.Argument(0)); ok {
			m.MockImplementation(callThroughJS(bodyFn))
		}
		return callable
	})
	_ = obj.Set("mockImplementationOnce", func(call goja.FunctionCall) goja.Value {
		if bodyFn, ok := goja.AssertFunction(call.Argument(0)); ok {
			m.MockImplementationOnce(callThroughJS(bodyFn))
		}
		return callable
	})
	_ = obj.Set("mockClear", func(goja.FunctionCall) goja.Value {
		m.MockClear()
		return callable
	})
	_ = obj.Set("mockReset", func(goja.FunctionCall) goja.Value {
		m.MockReset()
		return callable
	})
	_ = obj.Set("mockRestore", func(goja.FunctionCall) goja.Value {
		m.MockRestore()
		return callable
	})

	// bind returns a partially-applied view that still tracks through the
	// same mock: bound args are prepended and the bound this replaces the
	// caller's, so Function.prototype.bind on a mock doesn't sever tracking.
	_ = obj.Set("bind", func(call goja.FunctionCall) goja.Value {
		boundThis := call.Argument(0)
		boundArgs := append([]goja.Value(nil), call.Arguments...)
		if len(boundArgs) > 0 {
			boundArgs = boundArgs[1:]
		}
		return vm.ToValue(func(inner goja.FunctionCall) goja.Value {
			return m.CallBound(boundThis, boundArgs, inner.Arguments)
		})
	})

	getSnapshot := func(goja.FunctionCall) goja.Value { return mockSnapshot(vm, m) }
	_ = obj.DefineAccessorProperty("mock", vm.ToValue(getSnapshot), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)

	return obj
}

// mockSnapshot builds the plain object jest exposes as `fn.mock`: a
// point-in-time copy, since the Go side tracks state behind a mutex rather
// than as live JS arrays.
func mockSnapshot(vm *goja.Runtime, m *mock.Mock) *goja.Object {
	snap := vm.NewObject()
	calls := make([]interface{}, len(m.Calls))
	for i, c := range m.Calls {
		args := make([]interface{}, len(c))
		for j, a := range c {
			args[j] = a
		}
		calls[i] = args
	}
	results := make([]interface{}, len(m.Results))
	for i, r := range m.Results {
		ro := vm.NewObject()
		switch r.Kind {
		case mock.ResultReturn:
			_ = ro.Set("type", "return")
		case mock.ResultThrow:
			_ = ro.Set("type", "throw")
		default:
			_ = ro.Set("type", "incomplete")
		}
		_ = ro.Set("value", r.Value)
		results[i] = ro
	}
	instances := make([]interface{}, len(m.Instances))
	for i, inst := range m.Instances {
		instances[i] = inst
	}
	contexts := make([]interface{}, len(m.Contexts))
	for i, c := range m.Contexts {
		contexts[i] = c
	}
	order := make([]interface{}, len(m.InvocationCallOrder))
	for i, o := range m.InvocationCallOrder {
		order[i] = o
	}

	_ = snap.Set("calls", calls)
	_ = snap.Set("results", results)
	_ = snap.Set("instances", instances)
	_ = snap.Set("contexts", contexts)
	_ = snap.Set("invocationCallOrder", order)
	return snap
}

func truthy(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && v.ToBoolean()
}

// Run evaluates code under filename, drains the timer queue, then runs the
// registered suite. Evaluation errors are wrapped and dispatched as an
// ERROR frame before returning.
func (h *Host) Run(ctx context.Context, filename, code string) error {
	prog, err := goja.Compile(filename, code, false)
	if err != nil {
		return h.failEval(err)
	}
	if _, err := h.vm.RunProgram(prog); err != nil {
		return h.failEval(err)
	}
	h.timers.drain()

	opts := suite.RunOptions{}
	if h.rc.Seed != nil {
		opts.RandSource = rand.New(rand.NewSource(*h.rc.Seed))
	}
	return h.state.Run(ctx, opts)
}

func (h *Host) failEval(err error) error {
	wrapped := fmt.Errorf("evaluate %s: %w", h.rc.RelativePath, err)
	fe := errtax.AsFrameError(wrapped)
	body, marshalErr := json.Marshal(fe)
	if marshalErr != nil {
		h.log.Error("marshal eval error for %s: %v", h.rc.RelativePath, marshalErr)
	}
	h.dispatch(wire.EncodeError(wire.ErrorBody{Error: string(body)}, wire.Header{SuiteID: h.rc.SuiteID, RunnerID: h.rc.RunnerID}))
	return wrapped
}
