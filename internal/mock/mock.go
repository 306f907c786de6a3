// Package mock implements the call-tracking mock/spy engine: callable and
// constructible tracked mocks, queued one-shot implementations, method and
// accessor spies, and restore bookkeeping.
//
// A single JS value can be both callable and constructible, with `new`-ness
// picking the dispatch path at the call site. A Go closure cannot observe
// `new`-ness, so a Mock instead exposes two explicit entry points, Call and
// Construct, and leaves the choice of which one a sandboxed `new mock(...)`
// invokes to the small JS shim the sandbox host installs. The installer
// chooses; the mock itself stays a plain Go value.
package mock

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/cklxx-labs/parallex/internal/errtax"
)

// ResultKind tags one entry of a Mock's Results history.
type ResultKind byte

const (
	ResultIncomplete ResultKind = iota
	ResultReturn
	ResultThrow
)

// Result is one entry of Mock.Results.
type Result struct {
	Kind  ResultKind
	Value goja.Value
}

// Impl is a queued or default implementation. Constructor calls additionally
// inspect the returned value to decide instance identity: an object return
// wins over the freshly constructed target.
type Impl func(this goja.Value, args []goja.Value) (ret goja.Value, thrown goja.Value, didThrow bool)

// Mock is one tracked mock/spy instance.
type Mock struct {
	vm   *goja.Runtime
	Name string

	mu                  sync.Mutex
	Calls               [][]goja.Value
	LastCall            []goja.Value
	Contexts            []goja.Value
	Instances           []*goja.Object
	InvocationCallOrder []int64
	Results             []Result

	defaultImpl Impl
	queue       []Impl
	order       int64

	restore func()
}

var registry = struct {
	mu    sync.Mutex
	mocks []*Mock
}{}

func register(m *Mock) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.mocks = append(registry.mocks, m)
}

func unregister(m *Mock) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for i, candidate := range registry.mocks {
		if candidate == m {
			registry.mocks = append(registry.mocks[:i], registry.mocks[i+1:]...)
			return
		}
	}
}

// RestoreAll restores and unregisters every live mock, so a test-end hook
// can reinstall everything the test replaced and forgot about.
func RestoreAll() {
	registry.mu.Lock()
	mocks := append([]*Mock(nil), registry.mocks...)
	registry.mu.Unlock()
	for _, m := range mocks {
		m.MockRestore()
	}
}

// Fn constructs a fn()-style mock: callable and constructible, wrapping an
// optional default implementation.
func Fn(vm *goja.Runtime, impl Impl, restore func(), name string) *Mock {
	m := &Mock{vm: vm, Name: name, defaultImpl: impl, restore: restore}
	register(m)
	return m
}

// invoke runs the shared bookkeeping for one invocation and returns the
// value the call site should yield. It never surfaces a Go error: a thrown
// implementation's error is recorded as a throw result and becomes the
// mock's return value, so instrumentation keeps flowing at the call site.
func (m *Mock) invoke(this goja.Value, args []goja.Value) goja.Value {
	m.mu.Lock()
	m.order++
	order := m.order
	callArgs := append([]goja.Value(nil), args...)
	m.Calls = append(m.Calls, callArgs)
	m.LastCall = callArgs
	m.Contexts = append(m.Contexts, this)
	m.InvocationCallOrder = append(m.InvocationCallOrder, order)
	idx := len(m.Results)
	m.Results = append(m.Results, Result{Kind: ResultIncomplete})

	var impl Impl
	if len(m.queue) > 0 {
		impl = m.queue[0]
		m.queue = m.queue[1:]
	} else {
		impl = m.defaultImpl
	}
	m.mu.Unlock()

	var result Result
	var out goja.Value
	if impl == nil {
		result = Result{Kind: ResultReturn, Value: goja.Undefined()}
		out = goja.Undefined()
	} else {
		ret, thrown, didThrow := impl(this, callArgs)
		if didThrow {
			result = Result{Kind: ResultThrow, Value: thrown}
			out = thrown // absorbed: the throw becomes the call's return value
		} else {
			result = Result{Kind: ResultReturn, Value: ret}
			out = ret
		}
	}

	m.mu.Lock()
	m.Results[idx] = result
	m.mu.Unlock()
	return out
}

// Call implements the plain-call dispatch path.
func (m *Mock) Call(this goja.Value, args []goja.Value) goja.Value {
	return m.invoke(this, args)
}

// CallBound implements the dispatch path for a bound view of the mock
// (mockFn.bind(thisArg, ...partials)): the bound args are prepended to the
// call's own and the bound this replaces whatever the call site supplied,
// so tracking records the effective invocation, not the bound shell's.
func (m *Mock) CallBound(boundThis goja.Value, boundArgs, args []goja.Value) goja.Value {
	effective := make([]goja.Value, 0, len(boundArgs)+len(args))
	effective = append(effective, boundArgs...)
	effective = append(effective, args...)
	return m.invoke(boundThis, effective)
}

// Construct implements the `new`-dispatch path: it runs the same tracking
// algorithm, then records either the implementation's returned object or
// the fresh instance object into Instances, returning whichever one the
// rule selects.
func (m *Mock) Construct(instance *goja.Object, args []goja.Value) *goja.Object {
	ret := m.invoke(instance, args)
	result := instance
	if obj, ok := ret.(*goja.Object); ok {
		result = obj
	}
	m.mu.Lock()
	m.Instances = append(m.Instances, result)
	m.mu.Unlock()
	return result
}

// MockImplementation sets the default implementation.
func (m *Mock) MockImplementation(impl Impl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultImpl = impl
}

// MockImplementationOnce enqueues a one-shot implementation consumed by the
// next invocation; the queue drains FIFO before the default applies.
func (m *Mock) MockImplementationOnce(impl Impl) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, impl)
}

func valueImpl(v goja.Value) Impl {
	return func(goja.Value, []goja.Value) (goja.Value, goja.Value, bool) {
		return v, nil, false
	}
}

func throwImpl(v goja.Value) Impl {
	return func(goja.Value, []goja.Value) (goja.Value, goja.Value, bool) {
		return nil, v, true
	}
}

// MockReturnValue/MockReturnValueOnce/MockResolvedValue/... are thin
// wrappers over MockImplementation(Once).
func (m *Mock) MockReturnValue(v goja.Value)     { m.MockImplementation(valueImpl(v)) }
func (m *Mock) MockReturnValueOnce(v goja.Value) { m.MockImplementationOnce(valueImpl(v)) }

func (m *Mock) resolvedPromise(v goja.Value) goja.Value {
	p, resolve, _ := m.vm.NewPromise()
	resolve(v)
	return m.vm.ToValue(p)
}

func (m *Mock) rejectedPromise(v goja.Value) goja.Value {
	p, _, reject := m.vm.NewPromise()
	reject(v)
	return m.vm.ToValue(p)
}

func (m *Mock) MockResolvedValue(v goja.Value) {
	m.MockImplementation(func(goja.Value, []goja.Value) (goja.Value, goja.Value, bool) {
		return m.resolvedPromise(v), nil, false
	})
}

func (m *Mock) MockResolvedValueOnce(v goja.Value) {
	m.MockImplementationOnce(func(goja.Value, []goja.Value) (goja.Value, goja.Value, bool) {
		return m.resolvedPromise(v), nil, false
	})
}

func (m *Mock) MockRejectedValue(v goja.Value) {
	m.MockImplementation(func(goja.Value, []goja.Value) (goja.Value, goja.Value, bool) {
		return m.rejectedPromise(v), nil, false
	})
}

func (m *Mock) MockRejectedValueOnce(v goja.Value) {
	m.MockImplementationOnce(func(goja.Value, []goja.Value) (goja.Value, goja.Value, bool) {
		return m.rejectedPromise(v), nil, false
	})
}

// MockClear empties the tracking arrays without touching the queue/default
// implementation or the restore thunk.
func (m *Mock) MockClear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.LastCall = nil
	m.Contexts = nil
	m.Instances = nil
	m.InvocationCallOrder = nil
	m.Results = nil
	m.order = 0
}

// MockReset clears tracking and drops the queued-implementation list.
func (m *Mock) MockReset() {
	m.MockClear()
	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
}

// MockRestore unregisters the mock and invokes its restore thunk, if any.
func (m *Mock) MockRestore() {
	unregister(m)
	if m.restore != nil {
		m.restore()
	}
}

// ownerByName performs a single-level global-scope scan: it searches
// globalThis for a property whose value carries an own enumerable key equal
// to fnName, and returns that property's owner. The scan is an opt-in
// convenience; callers that already know the owner should call
// MockMethod/SpyOn directly instead.
func ownerByName(global *goja.Object, fnName string) (*goja.Object, bool) {
	for _, key := range global.Keys() {
		candidate := global.Get(key)
		obj, ok := candidate.(*goja.Object)
		if !ok {
			continue
		}
		for _, innerKey := range obj.Keys() {
			if innerKey == fnName {
				return obj, true
			}
		}
	}
	return nil, false
}

// MockMethod replaces owner[key] with a tracking wrapper, recording a
// restore thunk that reinstalls the original value, and fails with
// InvalidMethodType if owner[key] is not callable. The original
// implementation becomes the wrapper's default, so an unconfigured spy still
// calls through exactly like the method it replaced.
func MockMethod(vm *goja.Runtime, owner *goja.Object, key string) (*Mock, error) {
	original := owner.Get(key)
	if original == nil || goja.IsUndefined(original) {
		return nil, &errtax.InvalidMethodTypeError{Kind: "undefined"}
	}
	origFn, callable := goja.AssertFunction(original)
	if !callable {
		return nil, &errtax.InvalidMethodTypeError{Kind: original.ExportType().String()}
	}

	m := Fn(vm, callThroughImpl(origFn), func() { owner.Set(key, original) }, key)
	wrapper := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return m.Call(call.This, call.Arguments)
	})
	if err := owner.Set(key, wrapper); err != nil {
		unregister(m)
		return nil, err
	}
	return m, nil
}

// callThroughImpl adapts a goja callable into the Impl signature, so a
// freshly installed spy behaves exactly like the method it wraps until the
// caller overrides it with MockImplementation(Once).
func callThroughImpl(fn func(goja.Value, ...goja.Value) (goja.Value, error)) Impl {
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

// MockByName performs the opt-in global-scope scan to locate the owner of a
// free function, then delegates to MockMethod. Fails with
// MethodNotOnObject when no carrier on global exposes fnName.
func MockByName(vm *goja.Runtime, global *goja.Object, fnName string) (*Mock, error) {
	owner, found := ownerByName(global, fnName)
	if !found {
		return nil, &errtax.MethodNotOnObjectError{FunctionName: fnName}
	}
	return MockMethod(vm, owner, fnName)
}

// SpyOn distinguishes an accessor property (replaces getter+setter with one
// mock) from a data property holding a function (behaves like MockMethod).
func SpyOn(vm *goja.Runtime, target *goja.Object, key string) (*Mock, error) {
	if target == nil {
		return nil, &errtax.PrimitiveTargetError{Kind: "undefined"}
	}
	if key == "" {
		return nil, &errtax.NoPropertyNameError{}
	}

	descVal, err := ownPropertyDescriptor(vm, target, key)
	if err != nil {
		return nil, err
	}
	if descVal == nil || goja.IsUndefined(descVal) {
		return nil, &errtax.PropertyNotFoundError{Key: key}
	}

	descObj, ok := descVal.(*goja.Object)
	if !ok {
		return nil, &errtax.PropertyNotFoundError{Key: key}
	}

	getter := descObj.Get("get")
	setter := descObj.Get("set")
	if isCallable(getter) || isCallable(setter) {
		return spyOnAccessor(vm, target, key, getter, setter)
	}

	return MockMethod(vm, target, key)
}

// ownPropertyDescriptor routes through the VM's own
// Object.getOwnPropertyDescriptor so accessor pairs come back exactly as
// script code would see them.
func ownPropertyDescriptor(vm *goja.Runtime, target *goja.Object, key string) (goja.Value, error) {
	objectCtor, ok := vm.GlobalObject().Get("Object").(*goja.Object)
	if !ok {
		return nil, &errtax.PropertyNotFoundError{Key: key}
	}
	getOwn, ok := goja.AssertFunction(objectCtor.Get("getOwnPropertyDescriptor"))
	if !ok {
		return nil, &errtax.PropertyNotFoundError{Key: key}
	}
	return getOwn(goja.Undefined(), target, vm.ToValue(key))
}

func isCallable(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	_, callable := goja.AssertFunction(v)
	return callable
}

// spyOnAccessor handles the accessor branch of SpyOn: both the
// getter and the setter are replaced by a single Mock. Invoking the getter
// records a call (with no args) and returns the mock's own default
// implementation result; invoking the setter records a call carrying the
// assigned value as its sole argument.
func spyOnAccessor(vm *goja.Runtime, target *goja.Object, key string, origGetter, origSetter goja.Value) (*Mock, error) {
	m := Fn(vm, nil, func() {
		_ = target.DefineAccessorProperty(key, origGetter, origSetter, goja.FLAG_TRUE, goja.FLAG_TRUE)
	}, key)

	getterFn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return m.Call(goja.Undefined(), nil)
	})
	setterFn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		var arg goja.Value = goja.Undefined()
		if len(call.Arguments) > 0 {
			arg = call.Arguments[0]
		}
		m.Call(goja.Undefined(), []goja.Value{arg})
		return goja.Undefined()
	})

	if err := target.DefineAccessorProperty(key, getterFn, setterFn, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		unregister(m)
		return nil, err
	}
	return m, nil
}
