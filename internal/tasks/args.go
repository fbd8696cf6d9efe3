package tasks

import (
	"taskpool/internal/domain"
	"taskpool/internal/rpc"
)

// arg binds the argument at position pos, falling back to the keyword name.
func arg(args []any, kwargs map[string]any, pos int, name string, out any) error {
	v, ok := kwargs[name]
	if pos < len(args) {
		v, ok = args[pos], true
	}
	if !ok {
		return domain.NewTaskError(KindArgument, "missing argument %q", name)
	}
	if err := rpc.Bind(v, out); err != nil {
		return domain.NewTaskError(KindArgument, "argument %q: %v", name, err)
	}
	return nil
}

// kwarg binds an optional keyword argument, leaving out untouched when absent.
func kwarg(kwargs map[string]any, name string, out any) error {
	v, ok := kwargs[name]
	if !ok || v == nil {
		return nil
	}
	if err := rpc.Bind(v, out); err != nil {
		return domain.NewTaskError(KindArgument, "argument %q: %v", name, err)
	}
	return nil
}
