package definitions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openunify/openunify/pkg/cache"
	"github.com/openunify/openunify/pkg/policy"
	"github.com/openunify/openunify/pkg/schema"
	"github.com/openunify/openunify/pkg/stores"
	"github.com/openunify/openunify/pkg/telemetry"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = stores.ErrNotFound

// ErrRejected is returned when an admission policy blocks a write.
var ErrRejected = errors.New("rejected by admission policy")

// DocumentStore is the narrow persistence contract the repository needs.
type DocumentStore interface {
	GetByID(ctx context.Context, kind, id string) (*stores.Document, error)
	Find(ctx context.Context, filter stores.Filter, skip, limit int) ([]*stores.Document, error)
	Put(ctx context.Context, doc *stores.Document) error
	Delete(ctx context.Context, kind, id string) error
}

// Admitter evaluates admission policies for a write.
type Admitter interface {
	Admit(ctx context.Context, input *policy.Input) (*policy.Decision, error)
}

// TTLs are the cache lifetimes per record kind.
type TTLs struct {
	ConnectionDefinition time.Duration
	ModelDefinition      time.Duration
	OAuthDefinition      time.Duration
	CommonModel          time.Duration
}

// DefaultTTLs returns the lifetimes used when none are configured.
func DefaultTTLs() TTLs {
	return TTLs{
		ConnectionDefinition: 10 * time.Minute,
		ModelDefinition:      5 * time.Minute,
		OAuthDefinition:      10 * time.Minute,
		CommonModel:          10 * time.Minute,
	}
}

// RepositoryOptions configures a Repository.
type RepositoryOptions struct {
	Store DocumentStore
	Cache *cache.Cache
	TTLs  TTLs

	// Policy admits writes; nil admits everything.
	Policy Admitter

	Logger *telemetry.Logger

	// Events receives policy violations and import summaries; nil drops them.
	Events *telemetry.EventPublisher

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Repository reads definition records through the cache and validates,
// admits and invalidates on write. It is the ModelSource of the expander.
type Repository struct {
	store    DocumentStore
	cache    *cache.Cache
	ttls     TTLs
	policy   Admitter
	validate *validator.Validate
	logger   *telemetry.Logger
	events   *telemetry.EventPublisher
	now      func() time.Time
}

// NewRepository creates a repository.
func NewRepository(opts RepositoryOptions) (*Repository, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.TTLs == (TTLs{}) {
		opts.TTLs = DefaultTTLs()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Repository{
		store:    opts.Store,
		cache:    opts.Cache,
		ttls:     opts.TTLs,
		policy:   opts.Policy,
		validate: validator.New(),
		logger:   opts.Logger.NewComponentLogger("definitions"),
		events:   opts.Events,
		now:      opts.Now,
	}, nil
}

// Reads

// GetConnectionDefinition returns a connection definition by id.
func (r *Repository) GetConnectionDefinition(ctx context.Context, id string) (*ConnectionDefinition, error) {
	var def ConnectionDefinition
	err := r.readThrough(ctx, cache.ConnectionDefinitionKey(id), r.ttls.ConnectionDefinition, &def, r.byID(stores.KindConnectionDefinition, id))
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// GetModelDefinition returns the model definition for one action of a
// platform model. When several records match, the highest version wins.
func (r *Repository) GetModelDefinition(ctx context.Context, platform, platformVersion, modelName, actionName string) (*ConnectionModelDefinition, error) {
	key := cache.ModelDefinitionKey(platform, platformVersion, modelName, actionName)
	filter := stores.Filter{
		Kind:            stores.KindModelDefinition,
		Platform:        platform,
		PlatformVersion: platformVersion,
		ModelName:       modelName,
		ActionName:      actionName,
	}

	var def ConnectionModelDefinition
	err := r.readThrough(ctx, key, r.ttls.ModelDefinition, &def, func(ctx context.Context) ([]byte, error) {
		docs, err := r.store.Find(ctx, filter, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return nil, fmt.Errorf("model definition %s: %w", key, ErrNotFound)
		}
		return latest(docs).Body, nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// GetModelDefinitionByID returns a model definition by id, bypassing the
// cache.
func (r *Repository) GetModelDefinitionByID(ctx context.Context, id string) (*ConnectionModelDefinition, error) {
	doc, err := r.store.GetByID(ctx, stores.KindModelDefinition, id)
	if err != nil {
		return nil, err
	}
	var def ConnectionModelDefinition
	if err := json.Unmarshal(doc.Body, &def); err != nil {
		return nil, fmt.Errorf("failed to decode model definition %s: %w", id, err)
	}
	return &def, nil
}

// ListModelDefinitions lists model definitions of a platform, optionally
// narrowed to one model.
func (r *Repository) ListModelDefinitions(ctx context.Context, platform, modelName string, skip, limit int) ([]*ConnectionModelDefinition, error) {
	docs, err := r.store.Find(ctx, stores.Filter{
		Kind:      stores.KindModelDefinition,
		Platform:  platform,
		ModelName: modelName,
	}, skip, limit)
	if err != nil {
		return nil, err
	}

	defs := make([]*ConnectionModelDefinition, 0, len(docs))
	for _, doc := range docs {
		var def ConnectionModelDefinition
		if err := json.Unmarshal(doc.Body, &def); err != nil {
			return nil, fmt.Errorf("failed to decode model definition %s: %w", doc.ID, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// GetOAuthDefinition returns an OAuth definition by id.
func (r *Repository) GetOAuthDefinition(ctx context.Context, id string) (*ConnectionOAuthDefinition, error) {
	var def ConnectionOAuthDefinition
	err := r.readThrough(ctx, cache.OAuthDefinitionKey(id), r.ttls.OAuthDefinition, &def, r.byID(stores.KindOAuthDefinition, id))
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// GetModel returns a common model by id.
func (r *Repository) GetModel(ctx context.Context, id string) (*schema.CommonModel, error) {
	var model schema.CommonModel
	err := r.readThrough(ctx, cache.CommonModelKey(id), r.ttls.CommonModel, &model, r.byID(stores.KindCommonModel, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", schema.ErrModelNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// GetModelByName returns the common model with the given name.
func (r *Repository) GetModelByName(ctx context.Context, name string) (*schema.CommonModel, error) {
	var model schema.CommonModel
	err := r.readThrough(ctx, cache.CommonModelNameKey(name), r.ttls.CommonModel, &model, func(ctx context.Context) ([]byte, error) {
		docs, err := r.store.Find(ctx, stores.Filter{Kind: stores.KindCommonModel, Name: name}, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return nil, fmt.Errorf("common model named %s: %w", name, ErrNotFound)
		}
		return latest(docs).Body, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", schema.ErrModelNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *Repository) byID(kind, id string) cache.Loader {
	return func(ctx context.Context) ([]byte, error) {
		doc, err := r.store.GetByID(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		return doc.Body, nil
	}
}

func (r *Repository) readThrough(ctx context.Context, key string, ttl time.Duration, out interface{}, load cache.Loader) error {
	data, err := r.cache.GetOrPopulate(ctx, key, ttl, load)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// latest returns the document with the highest version.
func latest(docs []*stores.Document) *stores.Document {
	best := docs[0]
	for _, doc := range docs[1:] {
		if stores.CompareVersions(doc.Version, best.Version) > 0 {
			best = doc
		}
	}
	return best
}

// Writes

// PutConnectionDefinition validates, admits and stores a connection
// definition.
func (r *Repository) PutConnectionDefinition(ctx context.Context, def *ConnectionDefinition) error {
	if err := r.validate.Struct(def); err != nil {
		return fmt.Errorf("invalid connection definition %s: %w", def.ID, err)
	}
	doc := &stores.Document{
		Kind:            stores.KindConnectionDefinition,
		ID:              def.ID,
		Name:            def.Name,
		Platform:        def.Platform,
		PlatformVersion: def.PlatformVersion,
		Version:         def.Version,
	}
	return r.put(ctx, doc, def, &def.RecordMetadata, cache.ConnectionDefinitionKey(def.ID))
}

// PutModelDefinition validates, admits and stores a model definition.
func (r *Repository) PutModelDefinition(ctx context.Context, def *ConnectionModelDefinition) error {
	def.Action = strings.ToUpper(def.Action)
	if err := r.validate.Struct(def); err != nil {
		return fmt.Errorf("invalid model definition %s: %w", def.ID, err)
	}
	doc := &stores.Document{
		Kind:            stores.KindModelDefinition,
		ID:              def.ID,
		Name:            def.Name,
		Platform:        def.ConnectionPlatform,
		PlatformVersion: def.PlatformVersion,
		ModelName:       def.ModelName,
		ActionName:      def.ActionName,
		Version:         def.Version,
	}
	return r.put(ctx, doc, def, &def.RecordMetadata, def.CacheKey())
}

// PutOAuthDefinition validates, admits and stores an OAuth definition.
func (r *Repository) PutOAuthDefinition(ctx context.Context, def *ConnectionOAuthDefinition) error {
	if err := r.validate.Struct(def); err != nil {
		return fmt.Errorf("invalid oauth definition %s: %w", def.ID, err)
	}
	doc := &stores.Document{
		Kind:     stores.KindOAuthDefinition,
		ID:       def.ID,
		Platform: def.ConnectionPlatform,
		Version:  def.Version,
	}
	return r.put(ctx, doc, def, &def.RecordMetadata, cache.OAuthDefinitionKey(def.ID))
}

// PutCommonModel validates, admits and stores a common model.
func (r *Repository) PutCommonModel(ctx context.Context, model *schema.CommonModel) error {
	if err := r.validate.Struct(model); err != nil {
		return fmt.Errorf("invalid common model %s: %w", model.ID, err)
	}
	if err := model.Validate(); err != nil {
		return fmt.Errorf("invalid common model %s: %w", model.ID, err)
	}

	meta := RecordMetadata{Version: model.Version, CreatedAt: model.CreatedAt, UpdatedAt: model.UpdatedAt}
	doc := &stores.Document{
		Kind:    stores.KindCommonModel,
		ID:      model.ID,
		Name:    model.Name,
		Version: model.Version,
	}
	return r.put(ctx, doc, model, &meta, cache.CommonModelKey(model.ID), cache.CommonModelNameKey(model.Name))
}

// put stamps, admits and stores a record, then invalidates the keys it was
// and is now cached under.
func (r *Repository) put(ctx context.Context, doc *stores.Document, record interface{}, meta *RecordMetadata, keys ...string) error {
	previous, err := r.store.GetByID(ctx, doc.Kind, doc.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		previous = nil
	case err != nil:
		return err
	}

	now := r.now().UTC()
	if previous != nil {
		meta.CreatedAt = previous.CreatedAt
		keys = append(keys, previousKeys(previous)...)
	} else if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	// Common models carry their timestamps outside RecordMetadata.
	if model, ok := record.(*schema.CommonModel); ok {
		model.CreatedAt, model.UpdatedAt = meta.CreatedAt, meta.UpdatedAt
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", doc.Kind, doc.ID, err)
	}

	if err := r.admit(ctx, doc.Kind, doc.ID, "put", body); err != nil {
		return err
	}

	doc.Body = body
	doc.CreatedAt = meta.CreatedAt
	if err := r.store.Put(ctx, doc); err != nil {
		return err
	}

	r.invalidate(ctx, keys...)
	r.logger.WithFields(map[string]interface{}{
		"kind":    doc.Kind,
		"id":      doc.ID,
		"version": doc.Version,
	}).Debug("record stored")
	return nil
}

// Delete removes a record of the given kind and invalidates its keys.
func (r *Repository) Delete(ctx context.Context, kind, id string) error {
	previous, err := r.store.GetByID(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := r.admit(ctx, kind, id, "delete", previous.Body); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, kind, id); err != nil {
		return err
	}
	r.invalidate(ctx, previousKeys(previous)...)
	return nil
}

// RecordTestStatus stores the outcome of a connection test on the model
// definition it was run against.
func (r *Repository) RecordTestStatus(ctx context.Context, id string, status TestConnectionStatus) error {
	doc, err := r.store.GetByID(ctx, stores.KindModelDefinition, id)
	if err != nil {
		return err
	}

	var def ConnectionModelDefinition
	if err := json.Unmarshal(doc.Body, &def); err != nil {
		return fmt.Errorf("failed to decode model definition %s: %w", id, err)
	}
	def.TestConnectionStatus = status
	def.UpdatedAt = r.now().UTC()

	body, err := json.Marshal(&def)
	if err != nil {
		return fmt.Errorf("failed to encode model definition %s: %w", id, err)
	}
	doc.Body = body
	if err := r.store.Put(ctx, doc); err != nil {
		return err
	}

	r.invalidate(ctx, def.CacheKey())
	return nil
}

func (r *Repository) admit(ctx context.Context, kind, id, operation string, body []byte) error {
	if r.policy == nil {
		return nil
	}

	var record map[string]interface{}
	if err := json.Unmarshal(body, &record); err != nil {
		return fmt.Errorf("failed to decode %s %s for admission: %w", kind, id, err)
	}

	decision, err := r.policy.Admit(ctx, &policy.Input{
		Kind:      kind,
		ID:        id,
		Record:    record,
		Operation: operation,
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate admission for %s %s: %w", kind, id, err)
	}

	for _, w := range decision.Warnings {
		r.logger.WithFields(map[string]interface{}{
			"kind":   kind,
			"id":     id,
			"policy": w.Policy,
		}).Warn(w.Message)
	}

	if !decision.Allowed {
		messages := make([]string, 0, len(decision.Violations))
		for _, v := range decision.Violations {
			messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			_ = r.events.PublishPolicyViolation(id, v.Policy, v.Message)
		}
		return fmt.Errorf("%s %s %w: %s", kind, id, ErrRejected, strings.Join(messages, "; "))
	}
	return nil
}

func (r *Repository) invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		if err := r.cache.Invalidate(ctx, key); err != nil {
			r.logger.WithCacheKey(key).WithError(err).Warn("failed to invalidate cache key")
		}
	}
}

// previousKeys returns the cache keys a stored document is read through.
func previousKeys(doc *stores.Document) []string {
	switch doc.Kind {
	case stores.KindConnectionDefinition:
		return []string{cache.ConnectionDefinitionKey(doc.ID)}
	case stores.KindModelDefinition:
		return []string{cache.ModelDefinitionKey(doc.Platform, doc.PlatformVersion, doc.ModelName, doc.ActionName)}
	case stores.KindOAuthDefinition:
		return []string{cache.OAuthDefinitionKey(doc.ID)}
	case stores.KindCommonModel:
		return []string{cache.CommonModelKey(doc.ID), cache.CommonModelNameKey(doc.Name)}
	}
	return nil
}
