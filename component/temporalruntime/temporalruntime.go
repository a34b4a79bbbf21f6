// Package temporalruntime is an alternate component.Runtime binding that
// executes guest calls as Temporal activities scheduled from a per-call
// workflow, giving actors an optional durable-execution mode that an
// embedder selects through actorruntime.Deps.ComponentRuntime; a manifest
// has no runtime field (SPEC_FULL.md's DOMAIN STACK entry for
// go.temporal.io/sdk).
// The in-process hostfuncruntime.Runtime remains the default; this binding
// gives the Replay Engine a second, independently-checkable execution path
// to diff against, and gives embedders a way to survive a host process
// restart mid-call. Grounded on the teacher's runtime/agent/engine/temporal
// adapter (client/worker/workflow wiring), scaled down to the one
// operation this runtime needs: "run this guest call durably."
package temporalruntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/component/hostfuncruntime"
	"github.com/theater-project/theater/theatererr"
)

const callWorkflowName = "theater.ActorCallWorkflow"
const callActivityName = "theater.ActorCallActivity"

// defaultCallTimeout bounds how long one guest call may run as an
// activity before Temporal considers it failed.
const defaultCallTimeout = 30 * time.Second

func activityRegisterOptions() activity.RegisterOptions {
	return activity.RegisterOptions{Name: callActivityName}
}

// Options configures the Temporal-backed runtime.
type Options struct {
	// Client is a pre-configured Temporal client. Required.
	Client client.Client
	// TaskQueue is the queue the runtime's worker listens on, and the
	// queue every call workflow/activity is scheduled against. Required.
	TaskQueue string
	// WorkerOptions is forwarded to worker.New. Zero value is fine for
	// most embedders.
	WorkerOptions worker.Options

	// DisableTracing skips installing the OTEL tracing interceptor on the
	// worker. When false (default), every call workflow/activity
	// execution emits a span, so a durable call is traceable the same
	// way the in-process hostfuncruntime path is traceable through the
	// actor's own chain.
	DisableTracing bool
	// TracerOptions customizes the OTEL tracing interceptor (span
	// attributes, filters). Only used when DisableTracing is false.
	TracerOptions temporalotel.TracerOptions
}

// Runtime is the Temporal-activity-backed component.Runtime.
type Runtime struct {
	inner  *hostfuncruntime.Runtime
	opts   Options
	worker worker.Worker

	mu        sync.RWMutex
	instances map[string]component.Instance
}

// callInput is the payload threaded through the workflow and activity.
type callInput struct {
	InstanceID string
	Iface      capability.InterfaceID
	Function   string
	Params     []byte
}

// New constructs a Runtime, registers its workflow/activity with a worker
// for opts.TaskQueue, and starts that worker.
func New(opts Options) (*Runtime, error) {
	if opts.Client == nil {
		return nil, theatererr.New(theatererr.InvalidArgument, "temporalruntime: Client is required")
	}
	if opts.TaskQueue == "" {
		return nil, theatererr.New(theatererr.InvalidArgument, "temporalruntime: TaskQueue is required")
	}

	r := &Runtime{
		inner:     hostfuncruntime.New(),
		opts:      opts,
		instances: make(map[string]component.Instance),
	}

	workerOpts := opts.WorkerOptions
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fmt.Errorf("temporalruntime: configure tracing interceptor: %w", err)
		}
		workerOpts.Interceptors = append(workerOpts.Interceptors, tracer)
	}

	w := worker.New(opts.Client, opts.TaskQueue, workerOpts)
	w.RegisterWorkflowWithOptions(r.callWorkflow, workflow.RegisterOptions{Name: callWorkflowName})
	w.RegisterActivityWithOptions(r.callActivity, activityRegisterOptions())
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("temporalruntime: start worker: %w", err)
	}
	r.worker = w
	return r, nil
}

// Register exposes the underlying in-process component registration, so
// callers configure component definitions exactly as they would for
// hostfuncruntime; only Call execution differs.
func (r *Runtime) Register(componentBytes []byte, def hostfuncruntime.Definition) []byte {
	return r.inner.Register(componentBytes, def)
}

// LoadComponent implements component.Runtime.
func (r *Runtime) LoadComponent(ctx context.Context, componentBytes []byte) (component.Component, error) {
	return r.inner.LoadComponent(ctx, componentBytes)
}

// Instantiate implements component.Runtime, producing an Instance whose
// Call runs through a Temporal workflow instead of a direct in-process
// invocation.
func (r *Runtime) Instantiate(ctx context.Context, comp component.Component, handlers []capability.Handler) (component.Instance, error) {
	inner, err := r.inner.Instantiate(ctx, comp, handlers)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	r.mu.Lock()
	r.instances[id] = inner
	r.mu.Unlock()
	return &durableInstance{id: id, rt: r}, nil
}

// Close stops the Temporal worker. Call once, when the embedder shuts
// down every actor using this runtime.
func (r *Runtime) Close() {
	r.worker.Stop()
}

type durableInstance struct {
	id string
	rt *Runtime
}

func (d *durableInstance) Call(ctx context.Context, iface capability.InterfaceID, function string, params []byte) ([]byte, error) {
	run, err := d.rt.opts.Client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        "theater-call-" + uuid.NewString(),
		TaskQueue: d.rt.opts.TaskQueue,
	}, d.rt.callWorkflow, callInput{InstanceID: d.id, Iface: iface, Function: function, Params: params})
	if err != nil {
		return nil, theatererr.Wrap(theatererr.Internal, "temporalruntime: start call workflow", err)
	}
	var result []byte
	if err := run.Get(ctx, &result); err != nil {
		return nil, theatererr.Wrap(theatererr.GuestTrap, "temporalruntime: call workflow failed", err)
	}
	return result, nil
}

func (d *durableInstance) Close(context.Context) error {
	d.rt.mu.Lock()
	defer d.rt.mu.Unlock()
	delete(d.rt.instances, d.id)
	return nil
}

// callWorkflow schedules callActivity and returns its result. It is
// deterministic: all it does is delegate to an activity, never touching
// guest state directly (guest execution always happens in an activity,
// where side effects are permitted).
func (r *Runtime) callWorkflow(ctx workflow.Context, input callInput) ([]byte, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: defaultCallTimeout,
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var result []byte
	err := workflow.ExecuteActivity(ctx, r.callActivity, input).Get(ctx, &result)
	return result, err
}

// callActivity performs the actual in-process guest call, looking up the
// instance this runtime instantiated by id.
func (r *Runtime) callActivity(ctx context.Context, input callInput) ([]byte, error) {
	r.mu.RLock()
	inst, ok := r.instances[input.InstanceID]
	r.mu.RUnlock()
	if !ok {
		return nil, theatererr.Newf(theatererr.NotFound, "temporalruntime: no instance %s on this worker", input.InstanceID)
	}
	return inst.Call(ctx, input.Iface, input.Function, input.Params)
}
