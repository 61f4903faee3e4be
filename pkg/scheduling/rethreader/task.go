package rethreader

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"

	rterrors "github.com/vnykmshr/rethreader/pkg/common/errors"
)

// Kwargs carries named arguments for a Target.
type Kwargs map[string]any

// Target is the callable a task invokes. The context is canceled when the
// task is removed, the engine quits, or the configured TaskTimeout elapses.
type Target func(ctx context.Context, args []any, kwargs Kwargs) (any, error)

// Task describes one unit of schedulable work: a target, its positional and
// named arguments, and the sequence id the engine assigns on entry to the
// queue. Tasks are values; every With* method returns a modified copy.
type Task struct {
	seq    int64
	name   string
	target Target
	args   []any
	kwargs Kwargs
}

// NewTask returns a task that calls target with args.
func NewTask(target Target, args ...any) Task {
	return Task{target: target, args: copyArgs(args)}
}

// Call returns a task without a target. The engine it is added to resolves
// it against its default target.
func Call(args ...any) Task {
	return Task{args: copyArgs(args)}
}

// Func adapts a context-only function into a Target that ignores arguments.
// Every Func target shares one function identity, so tasks built from them
// should be Named when they need to be told apart by Remove or Postpone.
//
// TaskOf names an adapted callable after the callable itself, so
// TaskOf(fn) and NewTask(Func(fn)) produce different keys and do not match
// each other. Remove a task with the same form it was added with.
func Func(fn func(ctx context.Context) (any, error)) Target {
	return func(ctx context.Context, _ []any, _ Kwargs) (any, error) {
		return fn(ctx)
	}
}

// TaskOf normalizes a loosely shaped call description into a Task.
//
// Accepted shapes:
//   - a single Task (returned unchanged)
//   - a single []any, unpacked and normalized as if passed variadically
//   - an optional leading callable, then positional args, then an optional
//     trailing Kwargs or map[string]any holding named args
//
// A lone map is always taken as kwargs, never as a positional argument.
// Strings are never unpacked. The returned task has no sequence id and may
// lack a target, in which case the engine's default target applies.
func TaskOf(parts ...any) (Task, error) {
	if len(parts) == 1 {
		switch p := parts[0].(type) {
		case Task:
			return p, nil
		case *Task:
			if p == nil {
				return Task{}, rterrors.NewValidationError("rethreader", "task", nil, "cannot be nil")
			}
			return *p, nil
		case []any:
			return TaskOf(p...)
		}
	}

	var t Task
	if len(parts) > 0 {
		target, ok, err := asTarget(parts[0])
		if err != nil {
			return Task{}, err
		}
		if ok {
			t.target = target
			if _, native := parts[0].(Target); !native {
				t.name = funcName(parts[0])
			}
			parts = parts[1:]
		}
	}

	if n := len(parts); n > 0 {
		switch kw := parts[n-1].(type) {
		case Kwargs:
			t.kwargs = copyKwargs(kw)
			parts = parts[:n-1]
		case map[string]any:
			t.kwargs = copyKwargs(kw)
			parts = parts[:n-1]
		}
	}

	t.args = copyArgs(parts)
	return t, nil
}

func asTarget(v any) (Target, bool, error) {
	if v == nil {
		return nil, false, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func {
		return nil, false, nil
	}
	if rv.IsNil() {
		return nil, false, fmt.Errorf("%w: %w", rterrors.ErrNoTarget,
			rterrors.NewValidationError("rethreader", "target", fmt.Sprintf("%T", v), "cannot be nil"))
	}

	switch fn := v.(type) {
	case Target:
		return fn, true, nil
	case func(context.Context, []any, Kwargs) (any, error):
		return Target(fn), true, nil
	case func(context.Context, []any, map[string]any) (any, error):
		return func(ctx context.Context, args []any, kwargs Kwargs) (any, error) {
			return fn(ctx, args, kwargs)
		}, true, nil
	case func(context.Context) (any, error):
		return Func(fn), true, nil
	case func() (any, error):
		return func(context.Context, []any, Kwargs) (any, error) {
			return fn()
		}, true, nil
	case func():
		return func(context.Context, []any, Kwargs) (any, error) {
			fn()
			return nil, nil
		}, true, nil
	}

	return nil, false, rterrors.NewValidationError("rethreader", "target", fmt.Sprintf("%T", v), "unsupported callable signature").
		WithHint("use rethreader.Target or func(context.Context) (any, error)")
}

// WithArgs returns a copy of t with the positional arguments replaced.
func (t Task) WithArgs(args ...any) Task {
	t.args = copyArgs(args)
	return t
}

// WithKwargs returns a copy of t with the named arguments replaced.
func (t Task) WithKwargs(kwargs Kwargs) Task {
	t.kwargs = copyKwargs(kwargs)
	return t
}

// WithTarget returns a copy of t bound to target.
func (t Task) WithTarget(target Target) Task {
	t.target = target
	return t
}

// Named returns a copy of t with an explicit name. Names take part in
// matching, so two closures from the same literal can be told apart.
func (t Task) Named(name string) Task {
	t.name = name
	return t
}

// Seq returns the sequence id assigned by the engine, or 0 if unassigned.
func (t Task) Seq() int64 { return t.seq }

// Name returns the explicit name, or the target's function name.
func (t Task) Name() string {
	if t.name != "" {
		return t.name
	}
	if t.target == nil {
		return "<default>"
	}
	return funcName(t.target)
}

func funcName(fn any) string {
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "<func>"
}

// HasTarget reports whether a target is bound.
func (t Task) HasTarget() bool { return t.target != nil }

// Args returns a copy of the positional arguments.
func (t Task) Args() []any { return copyArgs(t.args) }

// Kwargs returns a copy of the named arguments.
func (t Task) Kwargs() Kwargs { return copyKwargs(t.kwargs) }

// Key returns the content key used to match tasks: target identity,
// arguments and named arguments. The sequence id is ignored.
func (t Task) Key() string {
	var b strings.Builder
	b.WriteString(t.Name())
	b.WriteByte('(')
	for i, a := range t.args {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%T:%v", a, a)
	}
	for _, k := range sortedKeys(t.kwargs) {
		v := t.kwargs[k]
		fmt.Fprintf(&b, "; %s=%T:%v", k, v, v)
	}
	b.WriteByte(')')
	return b.String()
}

// Info returns a human-readable rendering such as "fetch(1, 2, retries=3)".
func (t Task) Info() string {
	parts := make([]string, 0, len(t.args)+len(t.kwargs))
	for _, a := range t.args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	for _, k := range sortedKeys(t.kwargs) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, t.kwargs[k]))
	}
	return t.Name() + "(" + strings.Join(parts, ", ") + ")"
}

// String implements fmt.Stringer.
func (t Task) String() string {
	if t.seq > 0 {
		return fmt.Sprintf("#%d %s", t.seq, t.Info())
	}
	return t.Info()
}

func (t Task) withSeq(seq int64) Task {
	t.seq = seq
	return t
}

func (t Task) invoke(ctx context.Context) (any, error) {
	return t.target(ctx, copyArgs(t.args), copyKwargs(t.kwargs))
}

func copyArgs(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	copy(out, args)
	return out
}

func copyKwargs[M ~map[string]any](kw M) Kwargs {
	if len(kw) == 0 {
		return nil
	}
	out := make(Kwargs, len(kw))
	for k, v := range kw {
		out[k] = v
	}
	return out
}

func sortedKeys(kw Kwargs) []string {
	keys := make([]string, 0, len(kw))
	for k := range kw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
