package handler

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/diaflow/diaflow/pkg/models"
)

// Registry is the process-wide mapping of node type to handler. It is
// populated at startup and read-only thereafter; registration is still
// mutex-guarded so tests can build isolated registries.
type Registry struct {
	mu       sync.RWMutex
	handlers map[models.NodeType]Handler
	validate *validator.Validate
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[models.NodeType]Handler),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register registers a handler for a node type, replacing any previous one.
func (r *Registry) Register(nodeType models.NodeType, h Handler) error {
	if nodeType == "" {
		return fmt.Errorf("node type cannot be empty")
	}

	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[nodeType] = h
	return nil
}

// Get retrieves the handler for a node type.
func (r *Registry) Get(nodeType models.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrHandlerNotFound, nodeType)
	}

	return h, nil
}

// Has checks whether a handler is registered for the given node type.
func (r *Registry) Has(nodeType models.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[nodeType]
	return ok
}

// List returns all registered node types.
func (r *Registry) List() []models.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// ResolveProps decodes a node's data into the handler's typed schema and
// validates it. With a nil schema the raw data map is returned unchanged.
// The decoded struct is also returned as a map so handlers can read
// normalized values without re-asserting types.
func (r *Registry) ResolveProps(node *models.Node) (map[string]any, error) {
	h, err := r.Get(node.Type)
	if err != nil {
		return nil, err
	}

	schema := h.PropsSchema()
	if schema == nil {
		if node.Data == nil {
			return map[string]any{}, nil
		}
		return node.Data, nil
	}

	// Fresh copy of the prototype so concurrent validations don't share state.
	proto := reflect.New(reflect.Indirect(reflect.ValueOf(schema)).Type()).Interface()

	raw, err := json.Marshal(node.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", models.ErrInvalidProps, node.ID, err)
	}
	if err := json.Unmarshal(raw, proto); err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", models.ErrInvalidProps, node.ID, err)
	}

	if err := r.validate.Struct(proto); err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", models.ErrInvalidProps, node.ID, err)
	}

	resolved, err := json.Marshal(proto)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", models.ErrInvalidProps, node.ID, err)
	}

	props := map[string]any{}
	if err := json.Unmarshal(resolved, &props); err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", models.ErrInvalidProps, node.ID, err)
	}

	// Keep raw keys the schema doesn't model.
	for k, v := range node.Data {
		if _, ok := props[k]; !ok {
			props[k] = v
		}
	}

	return props, nil
}

// Preflight verifies every node in a diagram has a registered handler and
// valid props. It runs before an ExecutionState is created; failures
// reject the execution outright.
func (r *Registry) Preflight(nodes []*models.Node) error {
	var errs models.ValidationErrors

	for _, node := range nodes {
		if !r.Has(node.Type) {
			errs = append(errs, &models.ValidationError{
				Field:   "nodes",
				Message: fmt.Sprintf("no executor registered for node type %q (node %s)", node.Type, node.ID),
			})
			continue
		}

		if _, err := r.ResolveProps(node); err != nil {
			errs = append(errs, &models.ValidationError{
				Field:   "nodes",
				Message: err.Error(),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
