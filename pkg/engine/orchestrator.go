package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openunify/openunify/pkg/credentials"
	"github.com/openunify/openunify/pkg/definitions"
	"github.com/openunify/openunify/pkg/schema"
	"github.com/openunify/openunify/pkg/telemetry"
	"github.com/openunify/openunify/pkg/unified"
)

// DefinitionSource resolves model definitions and common models.
type DefinitionSource interface {
	GetModelDefinition(ctx context.Context, platform, platformVersion, modelName, actionName string) (*definitions.ConnectionModelDefinition, error)
	GetModelDefinitionByID(ctx context.Context, id string) (*definitions.ConnectionModelDefinition, error)
	schema.ModelSource
}

// CredentialResolver hands out usable credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (*credentials.Credential, error)
	Refresh(ctx context.Context, ref string) (*credentials.Credential, error)
}

// Call identifies the definition to run and the credential to run it with.
type Call struct {
	// DefinitionID selects a model definition directly. When empty the
	// definition is looked up by Platform, PlatformVersion, ModelName and
	// ActionName.
	DefinitionID    string
	Platform        string
	PlatformVersion string
	ModelName       string
	ActionName      string

	// SecretRef references a stored credential. Secret is used as the
	// template context instead when SecretRef is empty.
	SecretRef string
	Secret    unified.Secret

	Request *unified.Request

	// Expand resolves the definition's common model with its Expandable
	// fields populated.
	Expand bool
}

// Result is the outcome of Execute.
type Result struct {
	Definition *definitions.ConnectionModelDefinition `json:"-"`
	Response   *unified.NormalizedResponse            `json:"response"`

	// Model is the expanded common model, when requested.
	Model *schema.CommonModel `json:"model,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	Definitions DefinitionSource
	Credentials CredentialResolver
	Executor    *unified.Executor
	Expander    *schema.Expander

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Orchestrator drives a unified call end to end: definition lookup,
// credential resolution, execution and common model expansion.
type Orchestrator struct {
	defs     DefinitionSource
	creds    CredentialResolver
	executor *unified.Executor
	expander *schema.Expander
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Definitions == nil {
		return nil, fmt.Errorf("definition source is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Expander == nil {
		opts.Expander = schema.NewExpander(opts.Definitions)
	}
	return &Orchestrator{
		defs:     opts.Definitions,
		creds:    opts.Credentials,
		executor: opts.Executor,
		expander: opts.Expander,
		logger:   opts.Logger.NewComponentLogger("engine"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		events:   opts.Events,
	}, nil
}

// Execute runs call. When the platform rejects an OAuth credential with 401
// the credential is refreshed and the call retried once.
func (o *Orchestrator) Execute(ctx context.Context, call Call) (*Result, error) {
	def, err := o.definition(ctx, call)
	if err != nil {
		return nil, o.fail("execute", call.Platform, err)
	}

	ctx, span := o.tracer.StartSpan(ctx, "engine.execute",
		telemetry.AttrPlatform.String(def.ConnectionPlatform),
		telemetry.AttrModel.String(def.ModelName),
		telemetry.AttrAction.String(def.ActionName),
	)
	defer span.End()

	secret, err := o.secret(ctx, call, false)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, o.fail("execute", def.ConnectionPlatform, err)
	}

	resp, err := o.executor.Execute(ctx, def, call.Request, secret)
	if retryWithRefresh(def, call, err) {
		o.logger.WithPlatform(def.ConnectionPlatform, def.PlatformVersion).
			WithSecretRef(call.SecretRef).
			Debug("platform rejected credential, refreshing")
		telemetry.AddEvent(span, "credential.refresh")

		secret, err = o.secret(ctx, call, true)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, o.fail("execute", def.ConnectionPlatform, err)
		}
		resp, err = o.executor.Execute(ctx, def, call.Request, secret)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, o.fail("execute", def.ConnectionPlatform, err)
	}

	result := &Result{Definition: def, Response: resp}
	if call.Expand && def.Mapping.CommonModelName != "" {
		model, err := o.expandByName(ctx, def.Mapping.CommonModelName)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, o.fail("expand", def.ConnectionPlatform, err)
		}
		result.Model = model
	}

	telemetry.RecordSuccess(span)
	return result, nil
}

// TestConnection runs call as a connection test. The outcome is recorded by
// the executor's status sink and published as an event. Only a failure to
// find the definition or credential is returned as an error.
func (o *Orchestrator) TestConnection(ctx context.Context, call Call) (*unified.TestResult, error) {
	def, err := o.definition(ctx, call)
	if err != nil {
		return nil, o.fail("test", call.Platform, err)
	}
	secret, err := o.secret(ctx, call, false)
	if err != nil {
		return nil, o.fail("test", def.ConnectionPlatform, err)
	}

	result := o.executor.Test(ctx, def, call.Request, secret)

	logger := o.logger.WithPlatform(def.ConnectionPlatform, def.PlatformVersion)
	if result.Status.State.Kind == definitions.StateFailure {
		logger.WithField("message", result.Status.State.Message).Warn("connection test failed")
	} else {
		logger.Info("connection test succeeded")
	}
	_ = o.events.PublishConnectionTested(def.ConnectionPlatform, def.ID, result.Status.State.Kind)

	return result, nil
}

// ExpandModel returns the common model id with its Expandable fields
// resolved.
func (o *Orchestrator) ExpandModel(ctx context.Context, id string) (*schema.CommonModel, error) {
	model, err := o.expander.Expand(ctx, id, nil)
	if err != nil {
		return nil, o.fail("expand", "", err)
	}
	return model, nil
}

func (o *Orchestrator) expandByName(ctx context.Context, name string) (*schema.CommonModel, error) {
	model, err := o.defs.GetModelByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get common model %s: %w", name, err)
	}
	return o.expander.Expand(ctx, model.ID, nil)
}

func (o *Orchestrator) definition(ctx context.Context, call Call) (*definitions.ConnectionModelDefinition, error) {
	if call.DefinitionID != "" {
		return o.defs.GetModelDefinitionByID(ctx, call.DefinitionID)
	}
	return o.defs.GetModelDefinition(ctx, call.Platform, call.PlatformVersion, call.ModelName, call.ActionName)
}

// secret returns the template context of call. refresh forces a new access
// token instead of resolving the stored one.
func (o *Orchestrator) secret(ctx context.Context, call Call, refresh bool) (unified.Secret, error) {
	if call.SecretRef == "" {
		if call.Secret == nil {
			return unified.Secret{}, nil
		}
		return call.Secret, nil
	}
	if o.creds == nil {
		return nil, fmt.Errorf("secret %s given but no credential manager configured", call.SecretRef)
	}

	var (
		cred *credentials.Credential
		err  error
	)
	if refresh {
		cred, err = o.creds.Refresh(ctx, call.SecretRef)
	} else {
		cred, err = o.creds.Resolve(ctx, call.SecretRef)
	}
	if err != nil {
		return nil, err
	}
	return unified.Secret(cred.TemplateContext()), nil
}

func retryWithRefresh(def *definitions.ConnectionModelDefinition, call Call, err error) bool {
	if err == nil || call.SecretRef == "" || def.AuthMethod.Type != definitions.AuthOAuth {
		return false
	}
	te, ok := unified.AsTransportError(err)
	return ok && te.Unauthorized()
}

func (o *Orchestrator) fail(operation, platform string, err error) error {
	wrapped := Wrap(operation, platform, err)
	class := Classify(err)
	o.metrics.RecordError(string(class))
	if !errors.Is(err, context.Canceled) {
		o.logger.WithPlatform(platform, "").WithError(err).
			WithField("class", class).
			Debug(operation + " failed")
	}
	return wrapped
}
