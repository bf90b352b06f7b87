package vm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rhino1998/vireo/pkg/heap"
	"github.com/rhino1998/vireo/pkg/trap"
	"github.com/rhino1998/vireo/pkg/value"
)

// NativeFunc implements an imported symbol. Returning a *trap.Fault raises
// that trap; returning an *Exception re-raises it; any other error raises a
// native-fault trap carrying the error text.
type NativeFunc func(env *Env, args []value.Value) (value.Value, error)

// Native is a host function registered under a symbol name. Arity -1
// accepts any number of arguments.
type Native struct {
	Name  string
	Arity int
	Fn    NativeFunc
}

// HostIntrinsicBase is the first intrinsic id a host may register. Lower
// ids are the core set.
const HostIntrinsicBase = 0x100

// Intrinsic is an id-dispatched primitive. Kinds, when set, fixes the kind
// of each argument; a mismatch raises an intrinsic-arguments trap before Fn
// runs.
type Intrinsic struct {
	ID    uint32
	Name  string
	Arity int
	Kinds []value.Kind
	Fn    NativeFunc
}

func (in Intrinsic) check(args []value.Value) error {
	if in.Arity >= 0 && len(args) != in.Arity {
		return trap.New(trap.IntrinsicArgs, "%s takes %d arguments, got %d", in.Name, in.Arity, len(args))
	}
	for i, kind := range in.Kinds {
		if i >= len(args) {
			break
		}
		if args[i].Kind() != kind {
			return trap.New(trap.IntrinsicArgs, "%s argument %d must be %s, got %s", in.Name, i, kind, args[i].Kind())
		}
	}
	return nil
}

// Registry is the host-supplied table imports and host intrinsics are
// resolved against. It is safe for concurrent use and may be shared by any
// number of instances.
type Registry struct {
	mu         sync.RWMutex
	natives    map[string]Native
	intrinsics map[uint32]Intrinsic
}

func NewRegistry() *Registry {
	return &Registry{
		natives:    make(map[string]Native),
		intrinsics: make(map[uint32]Intrinsic),
	}
}

// StandardRegistry returns a registry holding the standard natives.
func StandardRegistry() *Registry {
	r := NewRegistry()
	for _, n := range stdlib {
		r.natives[n.Name] = n
	}
	return r
}

func (r *Registry) RegisterNative(name string, arity int, fn NativeFunc) error {
	if name == "" {
		return fmt.Errorf("native name must not be empty")
	}
	if arity < -1 {
		return fmt.Errorf("invalid arity %d for native %q", arity, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.natives[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateNative, name)
	}
	r.natives[name] = Native{Name: name, Arity: arity, Fn: fn}
	return nil
}

// RegisterIntrinsic adds a host intrinsic. Ids below HostIntrinsicBase are
// reserved for the core set.
func (r *Registry) RegisterIntrinsic(id uint32, name string, arity int, fn NativeFunc, kinds ...value.Kind) error {
	if id < HostIntrinsicBase {
		return fmt.Errorf("%w: %d", ErrReservedID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.intrinsics[id]; ok {
		return fmt.Errorf("%w: intrinsic #%d", ErrDuplicateNative, id)
	}
	r.intrinsics[id] = Intrinsic{ID: id, Name: name, Arity: arity, Kinds: kinds, Fn: fn}
	return nil
}

func (r *Registry) Native(name string) (Native, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.natives[name]
	return n, ok
}

// Intrinsic resolves an id against the core set first, then host entries.
func (r *Registry) Intrinsic(id uint32) (Intrinsic, bool) {
	if id < HostIntrinsicBase {
		in, ok := coreIntrinsics[id]
		return in, ok
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.intrinsics[id]
	return in, ok
}

// Env is what a native function sees of the calling instance. It is only
// valid for the duration of the call.
type Env struct {
	ctx  context.Context
	inst *Instance
}

func (e *Env) Context() context.Context {
	return e.ctx
}

func (e *Env) Logger() *slog.Logger {
	return e.inst.logger
}

func (e *Env) Heap() *heap.Heap {
	return e.inst.heap
}

func (e *Env) Stdout() io.Writer {
	return e.inst.stdout
}

// String returns the contents of a string object.
func (e *Env) String(v value.Value) (string, error) {
	obj, err := e.inst.object(v, heap.KindString)
	if err != nil {
		return "", err
	}
	return obj.Str, nil
}

// NewString allocates a string. The result stays reachable until the
// native returns.
func (e *Env) NewString(s string) (value.Value, error) {
	handle, err := e.inst.alloc(heap.KindString, 0, nil, s)
	if err != nil {
		return value.Value{}, err
	}
	v := value.Ref(handle)
	e.inst.scratch = append(e.inst.scratch, v)
	return v, nil
}

func (e *Env) NewArray(elems ...value.Value) (value.Value, error) {
	handle, err := e.inst.alloc(heap.KindArray, 0, elems, "")
	if err != nil {
		return value.Value{}, err
	}
	v := value.Ref(handle)
	e.inst.scratch = append(e.inst.scratch, v)
	return v, nil
}

// Call invokes a function reference or closure on the calling instance. An
// exception no frame of the nested call handles is returned as *Exception.
func (e *Env) Call(callee value.Value, args ...value.Value) (value.Value, error) {
	return e.inst.callValue(e.ctx, callee, args)
}

// Format renders v the way print does.
func (e *Env) Format(v value.Value) string {
	return e.inst.Format(v)
}

// Format renders a value returned by Call. References are resolved against
// the instance heap.
func (inst *Instance) Format(v value.Value) string {
	var sb strings.Builder
	inst.format(&sb, v, 0)
	return sb.String()
}

const maxFormatDepth = 8

func (inst *Instance) format(sb *strings.Builder, v value.Value, depth int) {
	ref, ok := v.Referent()
	if !ok {
		sb.WriteString(v.String())
		return
	}
	obj, err := inst.heap.Get(ref)
	if err != nil {
		sb.WriteString(v.String())
		return
	}

	switch obj.Kind {
	case heap.KindString:
		sb.WriteString(obj.Str)
	case heap.KindClosure:
		fmt.Fprintf(sb, "<fn %s>", inst.module.FunctionName(obj.Tag))
	case heap.KindException:
		fmt.Fprintf(sb, "<exception %s>", trap.Code(obj.Tag))
	default:
		if obj.Kind == heap.KindRecord && int(obj.Tag) < len(inst.module.Types) {
			sb.WriteString(inst.module.Types[obj.Tag].Name)
			sb.WriteByte('{')
		} else {
			sb.WriteByte('[')
		}
		if depth >= maxFormatDepth {
			sb.WriteString("...")
		} else {
			n, _ := inst.heap.Len(ref)
			for i := range n {
				if i > 0 {
					sb.WriteString(", ")
				}
				field, err := inst.heap.Load(ref, int64(i))
				if err != nil {
					break
				}
				inst.format(sb, field, depth+1)
			}
		}
		if obj.Kind == heap.KindRecord {
			sb.WriteByte('}')
		} else {
			sb.WriteByte(']')
		}
	}
}

var stdlib = []Native{
	{Name: "print", Arity: -1, Fn: nativePrint},
	{Name: "clock_ms", Arity: 0, Fn: nativeClock},
	{Name: "assert", Arity: 2, Fn: nativeAssert},
	{Name: "itoa", Arity: 1, Fn: nativeItoa},
}

func nativePrint(env *Env, args []value.Value) (value.Value, error) {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = env.Format(arg)
	}
	_, err := fmt.Fprintln(env.Stdout(), strings.Join(parts, " "))
	return value.Unit(), err
}

func nativeClock(env *Env, args []value.Value) (value.Value, error) {
	return value.Int(time.Now().UnixMilli()), nil
}

func nativeAssert(env *Env, args []value.Value) (value.Value, error) {
	if args[0].Kind() != value.KindBool {
		return value.Value{}, trap.New(trap.TypeMismatch, "assert condition must be bool, got %s", args[0].Kind())
	}
	if args[0].Bool() {
		return value.Unit(), nil
	}
	return value.Value{}, fmt.Errorf("assertion failed: %s", env.Format(args[1]))
}

func nativeItoa(env *Env, args []value.Value) (value.Value, error) {
	if !args[0].IsInt() {
		return value.Value{}, trap.New(trap.TypeMismatch, "itoa argument must be int, got %s", args[0].Kind())
	}
	return env.NewString(strconv.FormatInt(args[0].Int(), 10))
}
