// Package hook runs operator-supplied JavaScript hooks against delivery
// outcomes. Hooks observe; they can never affect delivery.
package hook

import (
	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// newRuntime creates a goja VM with console bindings routed into the
// logger.
func newRuntime(logger zerolog.Logger) *goja.Runtime {
	vm := goja.New()
	console := vm.NewObject()

	logFn := func(emit func() *zerolog.Event) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			emit().Msgf("[hook] %v", args)
			return goja.Undefined()
		}
	}

	console.Set("log", logFn(func() *zerolog.Event { return logger.Info() }))
	console.Set("warn", logFn(func() *zerolog.Event { return logger.Warn() }))
	console.Set("error", logFn(func() *zerolog.Event { return logger.Error() }))
	console.Set("debug", logFn(func() *zerolog.Event { return logger.Debug() }))
	vm.Set("console", console)
	return vm
}
