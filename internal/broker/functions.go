// ABOUTME: Function-calling definitions for the actions a user can currently execute
// ABOUTME: Names are <tool>_<action>; parameters are a JSON-schema style object

package broker

import (
	"context"

	"github.com/2389/toolbroker/internal/tools"
)

// FunctionDefinition describes one executable action to a function-calling model.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  FunctionSchema `json:"parameters"`
	Tool        string         `json:"-"`
	Action      string         `json:"-"`
}

// FunctionSchema is the parameter object of a FunctionDefinition.
type FunctionSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required"`
}

// PropertySchema describes a single parameter.
type PropertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// FunctionName joins a tool and action into a function name.
func FunctionName(tool, action string) string {
	return tool + "_" + action
}

// ListFunctionDefinitions returns definitions for every enabled action of every
// active tool, in tool registration order and declared action order.
func (e *Engine) ListFunctionDefinitions(ctx context.Context, userID string) ([]FunctionDefinition, error) {
	statuses, err := e.matrix.ListEffectiveStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	var defs []FunctionDefinition
	for _, st := range statuses {
		if !st.IsActive {
			continue
		}
		tool, err := e.registry.Get(st.Tool)
		if err != nil {
			return nil, err
		}
		for _, as := range st.Actions {
			if !as.IsActive {
				continue
			}
			action, ok := tool.Descriptor.Action(as.Name)
			if !ok {
				continue
			}
			defs = append(defs, functionDefinition(tool.Descriptor, action))
		}
	}
	return defs, nil
}

func functionDefinition(desc *tools.Descriptor, action *tools.Action) FunctionDefinition {
	props := make(map[string]PropertySchema, len(action.Parameters))
	for name, p := range action.Parameters {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		props[name] = PropertySchema{Type: typ, Description: p.Description}
	}

	required := action.RequiredParameters()
	if required == nil {
		required = []string{}
	}

	description := action.Description
	if description == "" {
		description = desc.DisplayName + ": " + action.Name
	}

	return FunctionDefinition{
		Name:        FunctionName(desc.Name, action.Name),
		Description: description,
		Parameters: FunctionSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
		Tool:   desc.Name,
		Action: action.Name,
	}
}
