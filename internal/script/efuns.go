package script

import (
	"math"
	"time"

	"github.com/dop251/goja"

	"mudclock/internal/driver"
	"mudclock/internal/driver/callout"
	"mudclock/internal/entity"
	"mudclock/pkg/logx"
)

func (e *Engine) installEfuns() {
	efuns := map[string]func(goja.FunctionCall) goja.Value{
		"call_out":         e.efunCallOut,
		"call_out_repeat":  e.efunCallOutRepeat,
		"remove_call_out":  e.efunRemoveCallOut,
		"find_call_out":    e.efunFindCallOut,
		"set_heart_beat":   e.efunSetHeartBeat,
		"query_heart_beat": e.efunQueryHeartBeat,
		"call_other":       e.efunCallOther,
		"clone_object":     e.efunCloneObject,
		"destruct":         e.efunDestruct,
		"this_object":      e.efunThisObject,
		"this_player":      e.efunThisPlayer,
		"eval_cost":        e.efunEvalCost,
		"time":             e.efunTime,
		"log":              e.efunLog,
	}
	for name, fn := range efuns {
		_ = e.vm.Set(name, fn)
	}
}

// enter charges the efun to the running episode and returns the current
// frame. Once the episode is aborted the runtime is interrupted, so scripts
// cannot swallow the abort with try/catch.
func (e *Engine) enter(name string) frame {
	f, ok := e.top()
	if !ok {
		panic(e.vm.NewTypeError("%s: no object is running", name))
	}
	if f.ep != nil && !f.ep.Done() {
		if err := f.ep.Charge(e.opts.EfunCost); err != nil {
			e.vm.Interrupt(err)
			panic(e.vm.NewGoError(err))
		}
	}
	return f
}

func (e *Engine) throw(err error) {
	panic(e.vm.NewGoError(err))
}

// maxDelaySeconds is the longest delay, in whole seconds, a time.Duration
// can hold.
const maxDelaySeconds = float64(math.MaxInt64 / int64(time.Second))

// seconds converts a script delay in seconds. Missing means 0; anything
// negative, NaN or too large for a time.Duration is thrown back to the
// script.
func (e *Engine) seconds(name, what string, v goja.Value) time.Duration {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	s := v.ToFloat()
	switch {
	case math.IsNaN(s) || s < 0:
		panic(e.vm.NewTypeError("%s: %s must be a non-negative number of seconds", name, what))
	case s >= maxDelaySeconds:
		panic(e.vm.NewTypeError("%s: %s of %g seconds is out of range", name, what, s))
	}
	return time.Duration(s * float64(time.Second))
}

func exportArgs(vals []goja.Value) []any {
	if len(vals) == 0 {
		return nil
	}
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		out = append(out, v.Export())
	}
	return out
}

// call_out(fn, delay, ...args) -> handle
func (e *Engine) efunCallOut(call goja.FunctionCall) goja.Value {
	f := e.enter("call_out")
	return e.schedule(f, call.Argument(0).String(), e.seconds("call_out", "delay", call.Argument(1)), 0, exportArgs(argsFrom(call, 2)))
}

// call_out_repeat(fn, delay, every, ...args) -> handle
func (e *Engine) efunCallOutRepeat(call goja.FunctionCall) goja.Value {
	f := e.enter("call_out_repeat")
	every := e.seconds("call_out_repeat", "interval", call.Argument(2))
	if every <= 0 {
		panic(e.vm.NewTypeError("call_out_repeat: interval must be > 0"))
	}
	return e.schedule(f, call.Argument(0).String(), e.seconds("call_out_repeat", "delay", call.Argument(1)), every, exportArgs(argsFrom(call, 3)))
}

func (e *Engine) schedule(f frame, fn string, delay, every time.Duration, args []any) goja.Value {
	h, err := e.d.ScheduleCallOut(callout.Request{
		Owner:    f.inst.obj,
		Callback: fn,
		Args:     args,
		Delay:    delay,
		Repeat:   every,
		Actor:    f.actor,
	})
	if err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(uint64(h))
}

func argsFrom(call goja.FunctionCall, i int) []goja.Value {
	if len(call.Arguments) <= i {
		return nil
	}
	return call.Arguments[i:]
}

// remove_call_out(handle) -> bool
// remove_call_out(fn) -> seconds left, or -1
func (e *Engine) efunRemoveCallOut(call goja.FunctionCall) goja.Value {
	f := e.enter("remove_call_out")
	arg := call.Argument(0)
	if _, isNum := arg.Export().(int64); isNum {
		return e.vm.ToValue(e.d.CancelCallOut(callout.Handle(arg.ToInteger())))
	}
	left, ok := e.d.RemoveCallOutByName(f.inst.obj, arg.String())
	if !ok {
		return e.vm.ToValue(-1)
	}
	return e.vm.ToValue(left.Seconds())
}

// find_call_out(fn) -> seconds left, or -1
func (e *Engine) efunFindCallOut(call goja.FunctionCall) goja.Value {
	f := e.enter("find_call_out")
	left, ok := e.d.FindCallOut(f.inst.obj, call.Argument(0).String())
	if !ok {
		return e.vm.ToValue(-1)
	}
	return e.vm.ToValue(left.Seconds())
}

// set_heart_beat(on) -> bool
func (e *Engine) efunSetHeartBeat(call goja.FunctionCall) goja.Value {
	f := e.enter("set_heart_beat")
	if !call.Argument(0).ToBoolean() {
		return e.vm.ToValue(e.d.DisableHeartbeat(f.inst.obj))
	}
	if err := e.d.EnableHeartbeat(f.inst.obj); err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(true)
}

func (e *Engine) efunQueryHeartBeat(goja.FunctionCall) goja.Value {
	f := e.enter("query_heart_beat")
	return e.vm.ToValue(e.d.HeartbeatEnabled(f.inst.obj))
}

// call_other(id, fn, ...args) touches the target's reset and runs fn in it
// within the current episode.
func (e *Engine) efunCallOther(call goja.FunctionCall) goja.Value {
	f := e.enter("call_other")
	id := call.Argument(0).String()
	inst, ok := e.objects[id]
	if !ok || inst.obj.Destructed() {
		panic(e.vm.NewTypeError("call_other: %s: no such object", id))
	}
	if _, err := e.d.TouchReset(inst.obj); err != nil {
		e.throw(err)
	}
	if inst.obj.Destructed() {
		return goja.Undefined()
	}
	name := call.Argument(1).String()
	fn := e.callable(inst, name)
	if fn == nil {
		return goja.Undefined()
	}
	v, err := e.invoke(frame{inst: inst, ep: f.ep, actor: f.actor}, fn, exportArgs(argsFrom(call, 2)))
	if err != nil {
		e.throw(err)
	}
	return v
}

// clone_object(name) -> id
func (e *Engine) efunCloneObject(call goja.FunctionCall) goja.Value {
	e.enter("clone_object")
	obj, err := e.Clone(call.Argument(0).String())
	if err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(obj.ID())
}

// destruct(id?) defaults to the running object.
func (e *Engine) efunDestruct(call goja.FunctionCall) goja.Value {
	f := e.enter("destruct")
	id := f.inst.obj.ID()
	if a := call.Argument(0); !goja.IsUndefined(a) && !goja.IsNull(a) {
		id = a.String()
	}
	return e.vm.ToValue(e.Destruct(id))
}

func (e *Engine) efunThisObject(goja.FunctionCall) goja.Value {
	f := e.enter("this_object")
	return e.vm.ToValue(f.inst.obj.ID())
}

func (e *Engine) efunThisPlayer(goja.FunctionCall) goja.Value {
	f := e.enter("this_player")
	if !entity.Alive(f.actor) {
		return goja.Null()
	}
	return e.vm.ToValue(f.actor.ID())
}

// eval_cost() -> allowance left in the running episode
func (e *Engine) efunEvalCost(goja.FunctionCall) goja.Value {
	f := e.enter("eval_cost")
	if f.ep == nil {
		return e.vm.ToValue(0)
	}
	return e.vm.ToValue(f.ep.Remaining())
}

func (e *Engine) efunTime(goja.FunctionCall) goja.Value {
	e.enter("time")
	return e.vm.ToValue(e.opts.Clock().Unix())
}

func (e *Engine) efunLog(call goja.FunctionCall) goja.Value {
	f := e.enter("log")
	fields := []logx.Field{logx.String("object", f.inst.obj.ID())}
	if f.ep != nil {
		fields = append(fields, logx.String("episode", f.ep.ID))
	}
	e.log.Info(call.Argument(0).String(), fields...)
	return goja.Undefined()
}

// Compile-time check.
var _ driver.Executor = (*Engine)(nil)
