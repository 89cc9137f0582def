package schema

import (
	"context"
	"errors"
	"fmt"
)

// ErrModelNotFound is returned by a ModelSource when no model matches.
var ErrModelNotFound = errors.New("common model not found")

// ModelSource resolves common models by id and by name. References inside
// Expandable datatypes are model names.
type ModelSource interface {
	GetModel(ctx context.Context, id string) (*CommonModel, error)
	GetModelByName(ctx context.Context, name string) (*CommonModel, error)
}

// Expander resolves Expandable references into nested models.
type Expander struct {
	source ModelSource
}

// NewExpander creates an expander reading models from source.
func NewExpander(source ModelSource) *Expander {
	return &Expander{source: source}
}

// Expand returns a copy of the model with every Expandable datatype, including
// those nested inside arrays, replaced by the referenced model, recursively.
//
// visited holds the ids of the models on the current expansion path and may be
// nil at the top level. A reference to a model already on the path is left
// Unexpanded with no nested fields. A reference to a model that does not exist
// is marked NotFound and is not an error.
func (e *Expander) Expand(ctx context.Context, id string, visited map[string]struct{}) (*CommonModel, error) {
	model, err := e.source.GetModel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load common model %s: %w", id, err)
	}
	if visited == nil {
		visited = make(map[string]struct{})
	}
	return e.expandModel(ctx, model, visited)
}

func (e *Expander) expandModel(ctx context.Context, model *CommonModel, visited map[string]struct{}) (*CommonModel, error) {
	out := model.Clone()

	visited[out.ID] = struct{}{}
	defer delete(visited, out.ID)

	for i := range out.Fields {
		if err := e.expandType(ctx, &out.Fields[i].DataType, visited); err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", out.Name, out.Fields[i].Name, err)
		}
	}
	return out, nil
}

func (e *Expander) expandType(ctx context.Context, dt *DataType, visited map[string]struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch dt.Kind {
	case KindArray:
		if dt.Element == nil {
			return nil
		}
		return e.expandType(ctx, dt.Element, visited)

	case KindExpandable:
		ref, err := e.source.GetModelByName(ctx, dt.Reference)
		if errors.Is(err, ErrModelNotFound) {
			dt.State = NotFound
			dt.Model = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to resolve reference %s: %w", dt.Reference, err)
		}

		if _, onPath := visited[ref.ID]; onPath {
			dt.State = Unexpanded
			dt.Model = nil
			return nil
		}

		nested, err := e.expandModel(ctx, ref, visited)
		if err != nil {
			return err
		}
		dt.Model = nested
		dt.State = Expanded
	}
	return nil
}
