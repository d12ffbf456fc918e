// Package script is the reference execution collaborator: a goja runtime
// hosting JavaScript blueprints whose clones are driver entities.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"mudclock/internal/driver"
	"mudclock/internal/entity"
	"mudclock/pkg/logx"
)

var (
	ErrNoBlueprint = errors.New("script: no such blueprint")
	ErrNoFunction  = errors.New("script: no such function")
	ErrNoObject    = errors.New("script: no such object")
	ErrNotBound    = errors.New("script: engine not bound to a driver")
)

// Entry point called on every new clone.
const labelCreate = "create"

type Options struct {
	// EfunCost is charged to the running episode per efun call.
	EfunCost int64
	Clock    func() time.Time
	Logger   logx.Logger
}

type instance struct {
	obj     *entity.Object
	exports *goja.Object
}

// frame is the object whose code is running. Frames nest for call_other
// and nested resets.
type frame struct {
	inst  *instance
	ep    *driver.Episode
	actor entity.Ref
}

// Engine implements driver.Executor. It is used only on the driver goroutine;
// the abort hook is the one call made from elsewhere.
type Engine struct {
	vm   *goja.Runtime
	d    *driver.Driver
	reg  *entity.Registry
	log  logx.Logger
	opts Options

	blueprints map[string]*goja.Program
	objects    map[string]*instance
	serial     map[string]int

	stack []frame
}

func New(reg *entity.Registry, opts Options) *Engine {
	if opts.EfunCost <= 0 {
		opts.EfunCost = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if reg == nil {
		reg = entity.NewRegistry()
	}
	e := &Engine{
		vm:         goja.New(),
		reg:        reg,
		log:        opts.Logger,
		opts:       opts,
		blueprints: map[string]*goja.Program{},
		objects:    map[string]*instance{},
		serial:     map[string]int{},
	}
	e.installEfuns()
	return e
}

// Bind attaches the driver the efuns talk to and arms the hard interrupt:
// an aborted episode stops JavaScript even inside a loop that never calls
// an efun.
func (e *Engine) Bind(d *driver.Driver) {
	e.d = d
	d.OnAbort(func(err error) { e.vm.Interrupt(err) })
}

func (e *Engine) Registry() *entity.Registry { return e.reg }

// Compile registers a blueprint from source. The source runs as the body of
// function(exports, self).
func (e *Engine) Compile(name, src string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("script: empty blueprint name")
	}
	wrapped := "(function(exports, self) {\n" + src + "\n})"
	p, err := goja.Compile(name+".js", wrapped, false)
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}
	e.blueprints[name] = p
	return nil
}

// LoadDir compiles every *.js file in dir. The blueprint name is the file
// name without extension.
func (e *Engine) LoadDir(dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.js"))
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)
	var errs []error
	n := 0
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		if err := e.Compile(name, string(b)); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	e.log.Info("blueprints loaded", logx.String("dir", dir), logx.Int("count", n))
	return n, errors.Join(errs...)
}

func (e *Engine) Blueprints() []string {
	out := make([]string, 0, len(e.blueprints))
	for name := range e.blueprints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Clone instantiates blueprint name, registers the clone for resets and
// runs its create function. Inside an episode create is charged to it;
// otherwise create runs as an episode of its own.
func (e *Engine) Clone(name string) (*entity.Object, error) {
	if e.d == nil {
		return nil, ErrNotBound
	}
	p, ok := e.blueprints[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBlueprint, name)
	}
	f, nested := e.top()
	if !nested {
		e.vm.ClearInterrupt()
	}
	e.serial[name]++
	id := name + "#" + strconv.Itoa(e.serial[name])

	ctor, err := e.vm.RunProgram(p)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", id, err)
	}
	fn, ok := goja.AssertFunction(ctor)
	if !ok {
		return nil, fmt.Errorf("clone %s: blueprint is not a function", id)
	}
	exports := e.vm.NewObject()
	if _, err := fn(goja.Undefined(), exports, e.vm.ToValue(id)); err != nil {
		return nil, fmt.Errorf("clone %s: %w", id, err)
	}

	obj := entity.NewObject(id, name)
	if !e.reg.Add(obj) {
		return nil, fmt.Errorf("clone %s: id taken", id)
	}
	inst := &instance{obj: obj, exports: exports}
	e.objects[id] = inst
	e.d.RegisterForReset(obj)

	if c := e.callable(inst, labelCreate); c != nil {
		var err error
		if nested {
			_, err = e.invoke(frame{inst: inst, ep: f.ep, actor: f.actor}, c, nil)
		} else {
			// Outside an episode create gets a budget of its own.
			err = e.d.Invoke(driver.Call{Entity: obj, Label: labelCreate})
		}
		if err != nil {
			e.destruct(obj)
			return nil, fmt.Errorf("create %s: %w", id, err)
		}
	}
	e.log.Debug("object cloned", logx.String("id", id))
	return obj, nil
}

// Object looks up a live clone.
func (e *Engine) Object(id string) (*entity.Object, bool) {
	inst, ok := e.objects[id]
	if !ok || inst.obj.Destructed() {
		return nil, false
	}
	return inst.obj, true
}

// Destruct removes a clone and everything the driver holds for it.
func (e *Engine) Destruct(id string) bool {
	inst, ok := e.objects[id]
	if !ok {
		return false
	}
	e.destruct(inst.obj)
	return true
}

func (e *Engine) destruct(obj *entity.Object) {
	if e.d != nil {
		e.d.DestructEntity(obj)
	}
	e.reg.Remove(obj.ID())
	delete(e.objects, obj.ID())
}

// Execute runs call.Label on the entity's exports. A missing heart_beat or
// reset function is a no-op; any other missing label is an error.
func (e *Engine) Execute(ep *driver.Episode, call driver.Call) (int64, error) {
	if len(e.stack) == 0 {
		e.vm.ClearInterrupt()
	}
	inst, ok := e.objects[entity.IDOf(call.Entity)]
	if !ok || inst.obj.Destructed() {
		return 1, fmt.Errorf("%w: %s", ErrNoObject, entity.IDOf(call.Entity))
	}
	c := e.callable(inst, call.Label)
	if c == nil {
		if call.Label == driver.LabelHeartbeat || call.Label == driver.LabelReset {
			return 1, nil
		}
		return 1, fmt.Errorf("%w: %s in %s", ErrNoFunction, call.Label, inst.obj.ID())
	}
	_, err := e.invoke(frame{inst: inst, ep: ep, actor: call.Actor}, c, call.Args)
	if err != nil {
		// Prefer the budget error over goja's wrapper.
		if aerr := ep.Check(); aerr != nil && !errors.Is(aerr, driver.ErrNoEpisode) {
			return 1, aerr
		}
	}
	return 1, err
}

func (e *Engine) callable(inst *instance, name string) goja.Callable {
	v := inst.exports.Get(name)
	if v == nil {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

func (e *Engine) invoke(f frame, fn goja.Callable, args []any) (goja.Value, error) {
	e.stack = append(e.stack, f)
	defer func() { e.stack = e.stack[:len(e.stack)-1] }()

	vals := make([]goja.Value, 0, len(args))
	for _, a := range args {
		vals = append(vals, e.vm.ToValue(a))
	}
	v, err := fn(f.inst.exports, vals...)
	if err != nil {
		return nil, scriptError(err)
	}
	return v, nil
}

func (e *Engine) top() (frame, bool) {
	if len(e.stack) == 0 {
		return frame{}, false
	}
	return e.stack[len(e.stack)-1], true
}

// scriptError unwraps an interrupt into the error it was raised with.
func scriptError(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			return cause
		}
		return err
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fmt.Errorf("script: %s", ex.Error())
	}
	return err
}
