package openapi

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"

	"github.com/w3z4y4/mcp-gateway/internal/model"
)

// componentTypes are reflected into #/components/schemas under their key.
var componentTypes = map[string]interface{}{
	"ServiceDescriptor": model.ServiceDescriptor{},
	"StatsReport":       model.StatsReport{},
	"AuthKey":           model.AuthKey{},
	"CallLog":           model.CallLog{},
	"ErrorResponse":     model.ErrorResponse{},
}

// registerSchemas reflects the API types from their JSON tags.
func registerSchemas(schemas openapi3.Schemas) error {
	for name, value := range componentTypes {
		ref, err := openapi3gen.NewSchemaRefForValue(value, schemas)
		if err != nil {
			return fmt.Errorf("reflect schema %s: %w", name, err)
		}
		schemas[name] = ref
	}

	// Document the closed set of lifecycle values.
	if svc := schemas["ServiceDescriptor"]; svc != nil && svc.Value != nil {
		if status := svc.Value.Properties["status"]; status != nil && status.Value != nil {
			status.Value.Enum = []interface{}{
				string(model.StatusActive),
				string(model.StatusMaintenance),
				string(model.StatusInactive),
				string(model.StatusDeprecated),
			}
		}
	}
	return nil
}
