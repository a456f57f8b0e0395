package builtin

import (
	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// RegisterAll registers every built-in handler. persons supplies the LLM
// agent configurations person jobs resolve against; pass the diagram's
// person map, or nil when no person jobs are used.
func RegisterAll(registry *handler.Registry, persons map[models.PersonID]*models.Person) error {
	handlers := map[models.NodeType]handler.Handler{
		models.NodeTypeStart:        NewStartHandler(),
		models.NodeTypeEndpoint:     NewEndpointHandler(),
		models.NodeTypeCondition:    NewConditionHandler(),
		models.NodeTypeCodeJob:      NewCodeJobHandler(),
		models.NodeTypeAPIJob:       NewAPIJobHandler(),
		models.NodeTypeDB:           NewDBHandler(),
		models.NodeTypePersonJob:    NewPersonJobHandler(persons),
		models.NodeTypePersonBatch:  NewPersonJobHandler(persons),
		models.NodeTypeSubDiagram:   NewSubDiagramHandler(),
		models.NodeTypeUserResponse: NewUserResponseHandler(),
	}

	for nodeType, h := range handlers {
		if err := registry.Register(nodeType, h); err != nil {
			return err
		}
	}

	return nil
}
