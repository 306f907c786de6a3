package mock

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFnTracksCallsResultsContextsInvocationOrder(t *testing.T) {
	vm := goja.New()
	m := Fn(vm, nil, nil, "anon")

	m.Call(goja.Undefined(), []goja.Value{vm.ToValue(1)})
	m.Call(goja.Undefined(), []goja.Value{vm.ToValue(2)})

	assert.Len(t, m.Calls, 2)
	assert.Len(t, m.Results, 2)
	assert.Len(t, m.Contexts, 2)
	assert.Equal(t, []int64{1, 2}, m.InvocationCallOrder)
	assert.Equal(t, m.Calls[len(m.Calls)-1], m.LastCall)
}

func TestFnQueuedImplementationsThenDefault(t *testing.T) {
	vm := goja.New()
	m := Fn(vm, nil, nil, "anon")

	m.MockImplementationOnce(valueImpl(vm.ToValue("a")))
	m.MockImplementation(valueImpl(vm.ToValue("b")))

	r1 := m.Call(goja.Undefined(), nil)
	r2 := m.Call(goja.Undefined(), nil)
	r3 := m.Call(goja.Undefined(), nil)

	assert.Equal(t, "a", r1.String())
	assert.Equal(t, "b", r2.String())
	assert.Equal(t, "b", r3.String())
}

func TestFnThrowIsAbsorbedAsReturnValue(t *testing.T) {
	vm := goja.New()
	m := Fn(vm, nil, nil, "anon")
	boom := vm.ToValue("boom")
	m.MockImplementation(throwImpl(boom))

	out := m.Call(goja.Undefined(), nil)

	assert.Equal(t, "boom", out.String())
	require.Len(t, m.Results, 1)
	assert.Equal(t, ResultThrow, m.Results[0].Kind)
}

func TestConstructRecordsInstanceByReturnedObjectRule(t *testing.T) {
	vm := goja.New()

	m := Fn(vm, nil, nil, "Ctor")
	plainInstance := vm.NewObject()
	got := m.Construct(plainInstance, nil)
	assert.Same(t, plainInstance, got)
	require.Len(t, m.Instances, 1)
	assert.Same(t, plainInstance, m.Instances[0])

	returned := vm.NewObject()
	m2 := Fn(vm, nil, nil, "Ctor2")
	m2.MockImplementation(func(goja.Value, []goja.Value) (goja.Value, goja.Value, bool) {
		return returned, nil, false
	})
	newTarget := vm.NewObject()
	got2 := m2.Construct(newTarget, nil)
	assert.Same(t, returned, got2)
}

func TestCallBoundPrependsArgsAndRebindsThis(t *testing.T) {
	vm := goja.New()
	m := Fn(vm, nil, nil, "anon")
	boundThis := vm.NewObject()

	m.CallBound(boundThis, []goja.Value{vm.ToValue("a")}, []goja.Value{vm.ToValue("b")})

	require.Len(t, m.Calls, 1)
	require.Len(t, m.Calls[0], 2)
	assert.Equal(t, "a", m.Calls[0][0].String())
	assert.Equal(t, "b", m.Calls[0][1].String())
	assert.Equal(t, goja.Value(boundThis), m.Contexts[0])
}

func TestMockClearEmptiesTrackingButKeepsQueue(t *testing.T) {
	vm := goja.New()
	m := Fn(vm, nil, nil, "anon")
	m.MockImplementationOnce(valueImpl(vm.ToValue("a")))
	m.MockImplementationOnce(valueImpl(vm.ToValue("b")))
	m.Call(goja.Undefined(), nil)

	m.MockClear()

	assert.Empty(t, m.Calls)
	assert.Empty(t, m.Results)
	// queue survives MockClear: the next call gets the still-queued "b",
	// not the default.
	out := m.Call(goja.Undefined(), nil)
	assert.Equal(t, "b", out.String())
}

func TestMockResetDropsQueue(t *testing.T) {
	vm := goja.New()
	m := Fn(vm, nil, nil, "anon")
	m.MockImplementationOnce(valueImpl(vm.ToValue("a")))

	m.MockReset()

	out := m.Call(goja.Undefined(), nil)
	assert.True(t, goja.IsUndefined(out))
}

func TestMockMethodRestoreRoundTrips(t *testing.T) {
	vm := goja.New()
	owner := vm.NewObject()
	original := vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue("original") })
	require.NoError(t, owner.Set("greet", original))

	m, err := MockMethod(vm, owner, "greet")
	require.NoError(t, err)
	require.NotNil(t, m)

	m.MockRestore()

	assert.Equal(t, original, owner.Get("greet"))
}

func TestMockMethodRejectsNonCallable(t *testing.T) {
	vm := goja.New()
	owner := vm.NewObject()
	require.NoError(t, owner.Set("notAFunction", vm.ToValue(42)))

	_, err := MockMethod(vm, owner, "notAFunction")
	require.Error(t, err)
}

func TestSpyOnRejectsMissingProperty(t *testing.T) {
	vm := goja.New()
	target := vm.NewObject()

	_, err := SpyOn(vm, target, "missing")
	require.Error(t, err)
}

func TestSpyOnRejectsEmptyKey(t *testing.T) {
	vm := goja.New()
	target := vm.NewObject()

	_, err := SpyOn(vm, target, "")
	require.Error(t, err)
}

func TestSpyOnDataPropertyDelegatesToMockMethod(t *testing.T) {
	vm := goja.New()
	target := vm.NewObject()
	require.NoError(t, target.Set("greet", vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue("hi") })))

	m, err := SpyOn(vm, target, "greet")
	require.NoError(t, err)

	fn, callable := goja.AssertFunction(target.Get("greet"))
	require.True(t, callable)
	out, err := fn(goja.Undefined())
	require.NoError(t, err)
	assert.Equal(t, "hi", out.String())
	assert.Len(t, m.Calls, 1)
}

func TestSpyOnAccessorTracksGetterAndSetter(t *testing.T) {
	vm := goja.New()
	v, err := vm.RunString(`
		(function() {
			const o = {_x: 1};
			Object.defineProperty(o, "x", {
				get: function() { return this._x; },
				set: function(v) { this._x = v; },
				configurable: true,
				enumerable: true,
			});
			return o;
		})()
	`)
	require.NoError(t, err)
	target, ok := v.(*goja.Object)
	require.True(t, ok)

	m, err := SpyOn(vm, target, "x")
	require.NoError(t, err)

	// an unconfigured accessor spy's getter returns its (absent) default
	// impl's result, per the "returns its default impl as the getter
	// return" rule -- unlike a data-property spy it does not call through.
	got := target.Get("x")
	assert.True(t, goja.IsUndefined(got))
	require.NoError(t, target.Set("x", vm.ToValue(42)))

	require.Len(t, m.Calls, 2)
	assert.Empty(t, m.Calls[0])
	assert.Equal(t, int64(42), m.Calls[1][0].ToInteger())

	m.MockRestore()
}

func TestRestoreAllRestoresEveryLiveMock(t *testing.T) {
	vm := goja.New()
	owner := vm.NewObject()
	require.NoError(t, owner.Set("a", vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })))
	require.NoError(t, owner.Set("b", vm.ToValue(func(goja.FunctionCall) goja.Value { return goja.Undefined() })))

	ma, err := MockMethod(vm, owner, "a")
	require.NoError(t, err)
	mb, err := MockMethod(vm, owner, "b")
	require.NoError(t, err)
	_ = ma
	_ = mb

	RestoreAll()

	registry.mu.Lock()
	n := len(registry.mocks)
	registry.mu.Unlock()
	assert.Equal(t, 0, n)
}
