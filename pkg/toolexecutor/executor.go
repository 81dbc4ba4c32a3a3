package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/agentrun/pkg/planner"
)

var (
	// ErrToolNotFound is returned for a name with no registered backend.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments marks argument errors. They are never retried.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrInactiveTask rejects a status update for a task that is not running.
	ErrInactiveTask = errors.New("not the active task")
	// ErrToolNotOffered rejects a call to a tool the turn did not offer.
	ErrToolNotOffered = errors.New("tool not offered this turn")
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a backend tool's metadata and handler. Schema, when
// set, is used as-is instead of the schema generated from Parameters.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  []ToolParameter        `json:"parameters,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
	Handler     ToolHandler            `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolExecutor is the backend tool registry.
type ToolExecutor struct {
	tools      map[string]*ToolDefinition
	schemas    map[string]*gojsonschema.Schema
	schemaMaps map[string]map[string]interface{}
	maxOutput  int
	mu         sync.RWMutex
}

// New creates an empty registry.
func New() *ToolExecutor {
	return &ToolExecutor{
		tools:      make(map[string]*ToolDefinition),
		schemas:    make(map[string]*gojsonschema.Schema),
		schemaMaps: make(map[string]map[string]interface{}),
		maxOutput:  64 * 1024,
	}
}

// RegisterPlanTools registers the built-in plan-mutating tools.
func (te *ToolExecutor) RegisterPlanTools() error {
	defs := []ToolDefinition{
		{
			Name:        planner.ToolAddTasks,
			Description: planner.AddTasksDescription,
			Schema:      planner.AddTasksSchema(),
			Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
				return planner.AddTasks(params)
			},
		},
		{
			Name:        planner.ToolUpdateTask,
			Description: planner.UpdateTaskDescription,
			Schema:      planner.UpdateTaskSchema(),
			Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
				return planner.UpdateTask(params)
			},
		},
	}
	for _, def := range defs {
		if err := te.RegisterTool(def); err != nil {
			return err
		}
	}
	return nil
}

// SetMaxOutput caps the size of string results. Zero disables truncation.
func (te *ToolExecutor) SetMaxOutput(n int) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.maxOutput = n
}

// RegisterTool registers a new tool, replacing any tool with the same name.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := def.Schema
	if schemaMap == nil {
		schemaMap = generateSchemaMap(def)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.schemaMaps[def.Name] = schemaMap

	log.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
	delete(te.schemaMaps, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// Schema returns the JSON schema of a tool's arguments.
func (te *ToolExecutor) Schema(name string) (map[string]interface{}, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	s, ok := te.schemaMaps[name]
	return s, ok
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Invoke validates params and runs the named tool. Validation failures wrap
// ErrInvalidArguments. The handler is expected to honour ctx.
func (te *ToolExecutor) Invoke(ctx context.Context, name string, params map[string]interface{}) (interface{}, error) {
	te.mu.RLock()
	tool := te.tools[name]
	schema := te.schemas[name]
	maxOutput := te.maxOutput
	te.mu.RUnlock()

	if tool == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	if err := validateParameters(schema, params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	start := time.Now()
	result, err := tool.Handler(ctx, params)
	if err != nil {
		log.Debug().
			Str("tool", name).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("Tool execution failed")
		return nil, err
	}

	return truncateOutput(name, result, maxOutput), nil
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}

	return nil
}

func generateSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []interface{}{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}

	return nil
}

// truncateOutput caps string results. Structured results pass through.
func truncateOutput(name string, output interface{}, maxSize int) interface{} {
	str, ok := output.(string)
	if !ok || maxSize <= 0 || len(str) <= maxSize {
		return output
	}

	log.Warn().
		Str("tool", name).
		Int("original", len(str)).
		Int("truncated", maxSize).
		Msg("Output truncated")

	return str[:maxSize] + "\n... [output truncated]"
}
