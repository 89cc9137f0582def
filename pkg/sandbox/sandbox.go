package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openunify/openunify/pkg/telemetry"
)

// Slot names the point in the credential lifecycle a script runs at.
type Slot string

const (
	SlotInitCompute     Slot = "init.compute"
	SlotInitResponse    Slot = "init.responseCompute"
	SlotRefreshCompute  Slot = "refresh.compute"
	SlotRefreshResponse Slot = "refresh.responseCompute"
)

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	switch s {
	case SlotInitCompute, SlotInitResponse, SlotRefreshCompute, SlotRefreshResponse:
		return true
	}
	return false
}

// IsResponse reports whether s is a responseCompute slot.
func (s Slot) IsResponse() bool {
	return s == SlotInitResponse || s == SlotRefreshResponse
}

// LanguageStarlark is the only script language the sandbox hosts.
const LanguageStarlark = "starlark"

// DefaultEntry is the function called when a script does not name one.
const DefaultEntry = "entry"

// Script is a per-platform authentication script.
type Script struct {
	// Entry is the function called with the payload.
	Entry string `json:"entry"`

	// Source is the script text.
	Source string `json:"function" validate:"required"`

	// Language must be empty or "starlark".
	Language string `json:"language,omitempty" validate:"omitempty,oneof=starlark"`
}

// Result is the output of a successful run.
type Result struct {
	Slot     Slot
	Value    interface{}
	Steps    uint64
	Duration time.Duration
}

// Options configures a Sandbox.
type Options struct {
	// Timeout bounds a single run.
	Timeout time.Duration

	// MaxSteps bounds the interpreter steps of a single run. Zero means
	// DefaultMaxSteps.
	MaxSteps uint64

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Default limits.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultMaxSteps = 10_000_000
)

// Sandbox runs untrusted authentication scripts. Every run gets a fresh
// interpreter thread and fresh globals, no module loading and no I/O, and is
// stopped when it exceeds its time or step budget.
type Sandbox struct {
	timeout  time.Duration
	maxSteps uint64
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// New creates a sandbox.
func New(opts Options) *Sandbox {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	return &Sandbox{
		timeout:  opts.Timeout,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger.NewComponentLogger("sandbox"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
}

// Compute runs a compute slot and enforces its output contract.
func (s *Sandbox) Compute(ctx context.Context, slot Slot, script Script, payload map[string]interface{}) (*Computation, error) {
	if slot.IsResponse() {
		return nil, contractViolation(slot, "not a compute slot")
	}
	res, err := s.Run(ctx, slot, script, payload)
	if err != nil {
		return nil, err
	}
	return parseComputation(slot, res.Value)
}

// ComputeResponse runs a responseCompute slot and enforces its output
// contract.
func (s *Sandbox) ComputeResponse(ctx context.Context, slot Slot, script Script, payload map[string]interface{}) (*TokenResponse, error) {
	if !slot.IsResponse() {
		return nil, contractViolation(slot, "not a responseCompute slot")
	}
	res, err := s.Run(ctx, slot, script, payload)
	if err != nil {
		return nil, err
	}
	return parseTokenResponse(slot, res.Value)
}

// Run executes script in slot with payload as the single argument of the
// entry function and returns its converted result. Every failure is an
// *Error.
func (s *Sandbox) Run(ctx context.Context, slot Slot, script Script, payload map[string]interface{}) (*Result, error) {
	ctx, span := s.tracer.StartSandboxSpan(ctx, string(slot))
	defer span.End()

	start := time.Now()
	res, err := s.run(ctx, slot, script, payload)

	outcome := "ok"
	var serr *Error
	if errors.As(err, &serr) {
		outcome = string(serr.Kind)
		s.logger.WithFields(map[string]interface{}{
			"slot": string(slot),
			"kind": string(serr.Kind),
		}).Debug("script run failed")
		telemetry.RecordError(span, err)
	}
	s.metrics.RecordSandboxRun(string(slot), outcome, time.Since(start))

	if res != nil {
		res.Duration = time.Since(start)
	}
	return res, err
}

func (s *Sandbox) run(ctx context.Context, slot Slot, script Script, payload map[string]interface{}) (res *Result, err error) {
	if !slot.Valid() {
		return nil, contractViolation(slot, "unknown slot")
	}
	if script.Language != "" && script.Language != LanguageStarlark {
		return nil, contractViolation(slot, "unsupported script language %q", script.Language)
	}
	if script.Source == "" {
		return nil, contractViolation(slot, "script is empty")
	}
	entry := script.Entry
	if entry == "" {
		entry = DefaultEntry
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var budgetExhausted atomic.Bool
	thread := &starlark.Thread{
		Name: string(slot),
		Print: func(_ *starlark.Thread, msg string) {
			// Suppress print for security
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load is not permitted: %s", module)
		},
		OnMaxSteps: func(t *starlark.Thread) {
			budgetExhausted.Store(true)
			t.Cancel("step budget exhausted")
		},
	}
	thread.SetMaxExecutionSteps(s.maxSteps)

	stop := context.AfterFunc(runCtx, func() {
		thread.Cancel("deadline exceeded")
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &Error{Kind: KindScriptThrow, Slot: slot, Message: fmt.Sprintf("script panicked: %v", r)}
		}
	}()

	// interrupted maps an interpreter failure caused by cancellation to a
	// timeout error.
	interrupted := func(cause error) error {
		if budgetExhausted.Load() {
			return &Error{Kind: KindTimeout, Slot: slot, Message: fmt.Sprintf("exceeded %d execution steps", s.maxSteps), Err: cause}
		}
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return &Error{Kind: KindTimeout, Slot: slot, Message: fmt.Sprintf("exceeded %v", s.timeout), Err: ctxErr}
		}
		return nil
	}

	arg, err := toStarlarkValue(payload)
	if err != nil {
		return nil, contractViolation(slot, "payload is not representable: %v", err)
	}

	globals, err := starlark.ExecFile(thread, string(slot)+".star", script.Source, predeclared())
	if err != nil {
		if terr := interrupted(err); terr != nil {
			return nil, terr
		}
		return nil, &Error{Kind: KindScriptThrow, Slot: slot, Message: "script failed to load", Err: err}
	}

	fn, ok := globals[entry].(starlark.Callable)
	if !ok {
		return nil, contractViolation(slot, "entry function %q is not defined", entry)
	}

	out, err := starlark.Call(thread, fn, starlark.Tuple{arg}, nil)
	if err != nil {
		if terr := interrupted(err); terr != nil {
			return nil, terr
		}
		return nil, &Error{Kind: KindScriptThrow, Slot: slot, Message: "script raised an error", Err: err}
	}

	value, err := fromStarlarkValue(out)
	if err != nil {
		return nil, contractViolation(slot, "result is not representable: %v", err)
	}

	return &Result{
		Slot:  slot,
		Value: value,
		Steps: thread.ExecutionSteps(),
	}, nil
}

// predeclared returns the environment visible to scripts. Built fresh per run
// so no mutable state crosses invocations.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   json.Module,
	}
}
