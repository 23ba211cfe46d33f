package hook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/stdiorpc/internal/rpc"
)

// Caller is the part of the client a script can drive.
type Caller interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
}

// Script is Lua source with a name used in error messages.
type Script struct {
	Name   string
	Source string
}

// LoadScript reads a script from a file.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read ready script: %w", err)
	}
	return Script{Name: path, Source: string(data)}, nil
}

// ScriptError reports a failing script.
type ScriptError struct {
	Name string
	Err  error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: %v", e.Name, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// ErrEmptyScript is returned for a script without source.
var ErrEmptyScript = errors.New("empty script")

// LuaReadyHook returns a ready hook that runs script against the client.
func LuaReadyHook(script Script, log rpc.Logger) func(ctx context.Context, c *rpc.Client) error {
	return func(ctx context.Context, c *rpc.Client) error {
		return Run(ctx, script, c, log)
	}
}

// Run executes script in a fresh sandboxed state. The script sees:
//
//	rpc.request(method [, params]) -> result   raises on failure
//	rpc.notify(method [, params])              raises on failure
//	log(message)
//
// Only the base, table, string and math libraries are available, and
// nothing can be loaded from disk. Cancelling ctx aborts the script.
func Run(ctx context.Context, script Script, caller Caller, log rpc.Logger) error {
	if script.Source == "" {
		return &ScriptError{Name: script.Name, Err: ErrEmptyScript}
	}
	if log == nil {
		log = nopLogger{}
	}

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	installAPI(ctx, L, caller, log, script.Name)

	fn, err := L.LoadString(script.Source)
	if err != nil {
		return &ScriptError{Name: script.Name, Err: err}
	}

	L.Push(fn)
	if err := callWithRecovery(L); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &ScriptError{Name: script.Name, Err: ctxErr}
		}
		return &ScriptError{Name: script.Name, Err: err}
	}
	return nil
}

func callWithRecovery(L *lua.LState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return L.PCall(0, 0, nil)
}

// newSandbox opens only the safe standard libraries and strips the base
// functions that reach the filesystem or compile code.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func installAPI(ctx context.Context, L *lua.LState, caller Caller, log rpc.Logger, name string) {
	bridge := NewBridge(L)

	params := func(L *lua.LState) any {
		if L.GetTop() < 2 {
			return nil
		}
		return bridge.ToGoValue(L.Get(2))
	}

	api := L.NewTable()
	L.SetField(api, "request", L.NewFunction(func(L *lua.LState) int {
		method := L.CheckString(1)
		result, err := caller.Request(ctx, method, params(L))
		if err != nil {
			L.RaiseError("%s: %s", method, err.Error())
			return 0
		}
		lv, err := bridge.JSONToLua(result)
		if err != nil {
			L.RaiseError("%s: %s", method, err.Error())
			return 0
		}
		L.Push(lv)
		return 1
	}))
	L.SetField(api, "notify", L.NewFunction(func(L *lua.LState) int {
		method := L.CheckString(1)
		if err := caller.Notify(method, params(L)); err != nil {
			L.RaiseError("%s: %s", method, err.Error())
		}
		return 0
	}))
	L.SetGlobal("rpc", api)

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		log.Info("ready script", "script", name, "message", L.ToStringMeta(L.Get(1)).String())
		return 0
	}))
}

type nopLogger struct{}

func (nopLogger) Trace(string, ...any) {}
func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
