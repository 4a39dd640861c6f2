package recipe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Hook function names a recipe hook file may define. Every function is
// optional; a missing function falls back to the recipe's static
// declarations.
const (
	// HookRequirements computes the requirement list from the locked
	// configuration: requirements(cfg) -> [string].
	HookRequirements = "requirements"

	// HookConfigure narrows the recipe's own configuration. Everything it
	// sets is locked against later ancestor propagation:
	// configure(cfg) -> {"settings": {...}, "options": {...},
	// "remove_settings": [...], "restrict": {path: [...]}}.
	HookConfigure = "configure"

	// HookValidate vets the effective configuration:
	// validate(cfg) -> None when valid, or a reason string.
	HookValidate = "validate"

	// HookPackageID adjusts the fingerprint input:
	// package_id(info) -> None to keep it, or the replacement info dict.
	HookPackageID = "package_id"

	// HookCompatible declares fallback configurations, consulted in order
	// when the canonical fingerprint has no artifact:
	// compatible(cfg) -> [{"settings": {...}, "options": {...}}].
	HookCompatible = "compatible"
)

// defaultHookTimeout bounds one hook invocation.
const defaultHookTimeout = 10 * time.Second

// Hooks wraps a recipe's Starlark hook file. The file is executed once at
// load time; the exported functions are then called per hook. A nil *Hooks
// is valid and reports no functions.
type Hooks struct {
	path    string
	timeout time.Duration
	globals starlark.StringDict
}

// LoadHooks parses and executes a hook file. The module body runs once,
// bounded by timeout; function bodies run per call.
func LoadHooks(path string, timeout time.Duration) (*Hooks, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hooks %s: %w", path, err)
	}
	return LoadHooksSource(path, src, timeout)
}

// HooksFor loads the recipe's hook file, if it declares one.
func (p *Parser) HooksFor(r *Recipe) (*Hooks, error) {
	if r.HooksFile == "" {
		return nil, nil
	}
	if r.Dir == "" {
		return nil, fmt.Errorf("recipe %s declares hooks %q but has no source directory", r.Ref(), r.HooksFile)
	}
	return LoadHooks(filepath.Join(r.Dir, r.HooksFile), defaultHookTimeout)
}

// LoadHooksSource executes hook source that is already in memory. The path
// only labels positions in error messages.
func LoadHooksSource(path string, src []byte, timeout time.Duration) (*Hooks, error) {
	if timeout == 0 {
		timeout = defaultHookTimeout
	}

	thread := &starlark.Thread{
		Name: "recipe-hooks",
		Print: func(_ *starlark.Thread, _ string) {
			// Hook output is not a side channel.
		},
	}

	globalsCh := make(chan starlark.StringDict, 1)
	errCh := make(chan error, 1)
	go func() {
		globals, err := starlark.ExecFile(thread, path, src, predeclared())
		if err != nil {
			errCh <- err
			return
		}
		globalsCh <- globals
	}()

	select {
	case <-time.After(timeout):
		thread.Cancel("module timeout")
		return nil, fmt.Errorf("hooks %s: module evaluation timed out after %v", path, timeout)
	case err := <-errCh:
		return nil, fmt.Errorf("hooks %s: %w", path, err)
	case globals := <-globalsCh:
		return &Hooks{path: path, timeout: timeout, globals: globals}, nil
	}
}

// predeclared builds the environment hook files see.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
}

// Has reports whether the hook file defines the named function.
func (h *Hooks) Has(name string) bool {
	if h == nil {
		return false
	}
	fn, ok := h.globals[name]
	if !ok {
		return false
	}
	_, callable := fn.(starlark.Callable)
	return callable
}

// call invokes one hook function with the given input dict, bounded by the
// hook timeout and the caller's context.
func (h *Hooks) call(ctx context.Context, name string, input map[string]any) (any, error) {
	fn, ok := h.globals[name].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("hooks %s: %s is not defined", h.path, name)
	}
	arg, err := toStarlark(input)
	if err != nil {
		return nil, fmt.Errorf("hooks %s: convert %s input: %w", h.path, name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := &starlark.Thread{Name: "recipe-hooks/" + name}
	outCh := make(chan starlark.Value, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
		if err != nil {
			errCh <- err
			return
		}
		outCh <- out
	}()

	select {
	case <-callCtx.Done():
		thread.Cancel("hook timeout")
		return nil, fmt.Errorf("hooks %s: %s: %w", h.path, name, callCtx.Err())
	case err := <-errCh:
		return nil, fmt.Errorf("hooks %s: %s: %w", h.path, name, err)
	case out := <-outCh:
		result, err := fromStarlark(out)
		if err != nil {
			return nil, fmt.Errorf("hooks %s: convert %s result: %w", h.path, name, err)
		}
		return result, nil
	}
}

// Requirements invokes requirements(cfg) and returns the expression list.
func (h *Hooks) Requirements(ctx context.Context, cfg map[string]any) ([]string, error) {
	out, err := h.call(ctx, HookRequirements, cfg)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	list, ok := out.([]any)
	if !ok {
		return nil, fmt.Errorf("hooks %s: requirements must return a list, got %T", h.path, out)
	}
	exprs := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("hooks %s: requirements entries must be strings, got %T", h.path, item)
		}
		exprs = append(exprs, s)
	}
	return exprs, nil
}

// ConfigureResult is the decoded return of the configure hook.
type ConfigureResult struct {
	// Settings maps dotted settings paths to pinned values.
	Settings map[string]any

	// Options maps option names to pinned values.
	Options map[string]any

	// RemoveSettings lists dotted settings paths to delete.
	RemoveSettings []string

	// Restrict maps dotted settings paths to narrowed domains.
	Restrict map[string][]any
}

// Configure invokes configure(cfg). A None return means no adjustments.
func (h *Hooks) Configure(ctx context.Context, cfg map[string]any) (*ConfigureResult, error) {
	out, err := h.call(ctx, HookConfigure, cfg)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return &ConfigureResult{}, nil
	}
	dict, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("hooks %s: configure must return a dict or None, got %T", h.path, out)
	}
	res := &ConfigureResult{}
	if v, ok := dict["settings"]; ok {
		if res.Settings, ok = v.(map[string]any); !ok {
			return nil, fmt.Errorf("hooks %s: configure settings must be a dict", h.path)
		}
	}
	if v, ok := dict["options"]; ok {
		if res.Options, ok = v.(map[string]any); !ok {
			return nil, fmt.Errorf("hooks %s: configure options must be a dict", h.path)
		}
	}
	if v, ok := dict["remove_settings"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("hooks %s: configure remove_settings must be a list", h.path)
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("hooks %s: remove_settings entries must be strings", h.path)
			}
			res.RemoveSettings = append(res.RemoveSettings, s)
		}
	}
	if v, ok := dict["restrict"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("hooks %s: configure restrict must be a dict", h.path)
		}
		res.Restrict = make(map[string][]any, len(m))
		for path, allowed := range m {
			list, ok := allowed.([]any)
			if !ok {
				return nil, fmt.Errorf("hooks %s: restrict %q must map to a list", h.path, path)
			}
			res.Restrict[path] = list
		}
	}
	return res, nil
}

// Validate invokes validate(cfg). A None return means valid; a string is
// the invalidity reason.
func (h *Hooks) Validate(ctx context.Context, cfg map[string]any) (valid bool, reason string, err error) {
	out, err := h.call(ctx, HookValidate, cfg)
	if err != nil {
		return false, "", err
	}
	if out == nil {
		return true, "", nil
	}
	s, ok := out.(string)
	if !ok {
		return false, "", fmt.Errorf("hooks %s: validate must return None or a reason string, got %T", h.path, out)
	}
	return false, s, nil
}

// PackageID invokes package_id(info). A None return keeps the canonical
// fingerprint input; a dict return replaces it.
func (h *Hooks) PackageID(ctx context.Context, info map[string]any) (map[string]any, error) {
	out, err := h.call(ctx, HookPackageID, info)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	dict, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("hooks %s: package_id must return None or a dict, got %T", h.path, out)
	}
	return dict, nil
}

// Compatible invokes compatible(cfg) and returns the fallback configuration
// deltas in declared order.
func (h *Hooks) Compatible(ctx context.Context, cfg map[string]any) ([]map[string]any, error) {
	out, err := h.call(ctx, HookCompatible, cfg)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	list, ok := out.([]any)
	if !ok {
		return nil, fmt.Errorf("hooks %s: compatible must return a list, got %T", h.path, out)
	}
	deltas := make([]map[string]any, 0, len(list))
	for _, item := range list {
		dict, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("hooks %s: compatible entries must be dicts, got %T", h.path, item)
		}
		deltas = append(deltas, dict)
	}
	return deltas, nil
}

// toStarlark converts a Go value into its Starlark form.
func toStarlark(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			conv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = conv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			conv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), conv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(item)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// fromStarlark converts a Starlark value back into a Go value.
func fromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlark(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, len(val))
		for i, item := range val {
			conv, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = conv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}
			value, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]any)
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlark(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
	}
}
