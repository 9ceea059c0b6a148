package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/aiperf/aiperf/internal/domain"
)

// StateChangeFunc is invoked with (old, new) on every lifecycle transition.
type StateChangeFunc func(old, new domain.LifecycleState)

// BackgroundTaskSpec describes a supervised background task. Interval may
// be nil, meaning the task runs exactly once on start (common for tasks
// that themselves loop internally until stop).
type BackgroundTaskSpec struct {
	Name        string
	Interval    func() time.Duration
	Immediate   bool
	StopOnError bool
	Run         func(ctx context.Context) error
}

// classRegistry holds the hooks declared by one "class" (service type).
type classRegistry struct {
	parents       []string
	onInit        []func(ctx context.Context) error
	onStart       []func(ctx context.Context) error
	onStop        []func(ctx context.Context) error
	onStateChange []StateChangeFunc
	background    []BackgroundTaskSpec
}

var (
	registryMu sync.Mutex
	registries = map[string]*classRegistry{}
)

func get(classKey string) *classRegistry {
	registryMu.Lock()
	defer registryMu.Unlock()
	r, ok := registries[classKey]
	if !ok {
		r = &classRegistry{}
		registries[classKey] = r
	}
	return r
}

// Inherit declares that classKey inherits the hooks of parents, in
// declaration order, the way a Python base class's decorator metadata would
// be walked by MRO. Call this once per class, typically from an init().
func Inherit(classKey string, parents ...string) {
	get(classKey).parents = append(get(classKey).parents, parents...)
}

// RegisterOnInit adds an onInit hook to classKey.
func RegisterOnInit(classKey string, f func(ctx context.Context) error) {
	r := get(classKey)
	r.onInit = append(r.onInit, f)
}

// RegisterOnStart adds an onStart hook to classKey.
func RegisterOnStart(classKey string, f func(ctx context.Context) error) {
	r := get(classKey)
	r.onStart = append(r.onStart, f)
}

// RegisterOnStop adds an onStop hook to classKey.
func RegisterOnStop(classKey string, f func(ctx context.Context) error) {
	r := get(classKey)
	r.onStop = append(r.onStop, f)
}

// RegisterOnStateChange adds a state-change hook to classKey.
func RegisterOnStateChange(classKey string, f StateChangeFunc) {
	r := get(classKey)
	r.onStateChange = append(r.onStateChange, f)
}

// RegisterBackgroundTask adds a supervised background task to classKey.
func RegisterBackgroundTask(classKey string, spec BackgroundTaskSpec) {
	r := get(classKey)
	r.background = append(r.background, spec)
}

// resolved is the flattened hook set for a class, parents first (so parent
// hooks of the same type run before the child's own, matching "child
// lifecycles initialize before parent start completes").
type resolved struct {
	onInit        []func(ctx context.Context) error
	onStart       []func(ctx context.Context) error
	onStop        []func(ctx context.Context) error
	onStateChange []StateChangeFunc
	background    []BackgroundTaskSpec
}

func resolve(classKey string, seen map[string]bool) resolved {
	if seen[classKey] {
		return resolved{}
	}
	seen[classKey] = true
	r := get(classKey)
	var out resolved
	for _, p := range r.parents {
		pr := resolve(p, seen)
		out.onInit = append(out.onInit, pr.onInit...)
		out.onStart = append(out.onStart, pr.onStart...)
		out.onStop = append(out.onStop, pr.onStop...)
		out.onStateChange = append(out.onStateChange, pr.onStateChange...)
		out.background = append(out.background, pr.background...)
	}
	out.onInit = append(out.onInit, r.onInit...)
	out.onStart = append(out.onStart, r.onStart...)
	out.onStop = append(out.onStop, r.onStop...)
	out.onStateChange = append(out.onStateChange, r.onStateChange...)
	out.background = append(out.background, r.background...)
	return out
}

// Resolve returns the flattened, parent-first hook set for classKey.
func Resolve(classKey string) resolved {
	return resolve(classKey, map[string]bool{})
}
