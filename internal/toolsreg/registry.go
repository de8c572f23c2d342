// Package toolsreg implements the tool registry and concurrent executor:
// register/get/list, schema-validated dispatch, an optional safety gate,
// and an optional audit sink.
package toolsreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/localagent/corvid/internal/models"
)

// Tool is one side-effecting function the model may invoke.
type Tool interface {
	Name() string
	Definition() models.ToolDefinition
	Execute(ctx context.Context, args map[string]any, cwd string) (models.ToolResult, error)
}

// SafetyDecision is the outcome of a safety pre-check.
type SafetyDecision string

const (
	SafetyAllow   SafetyDecision = "allow"
	SafetyBlock   SafetyDecision = "block"
	SafetyConfirm SafetyDecision = "confirm"
)

// SafetyChecker evaluates a tool call before dispatch.
type SafetyChecker interface {
	Check(call models.ToolCall) (SafetyDecision, string)
}

// ConfirmCallback decides whether a confirm-gated call may proceed.
// Registries without one fail open (allow, with a warning) per spec.
type ConfirmCallback func(ctx context.Context, call models.ToolCall) bool

// FuzzyResolver remaps an unknown tool name/arguments against the set of
// registered names before the registry gives up.
type FuzzyResolver interface {
	Resolve(name string, args map[string]any, known []string) (resolvedName string, resolvedArgs map[string]any, ok bool)
}

// AuditEntry is one record appended to the audit sink.
type AuditEntry struct {
	Tool      string
	Args      map[string]any
	Success   bool
	Blocked   bool
	Reason    string
	Timestamp time.Time
}

// AuditSink receives one AuditEntry per dispatched (or blocked) call, plus
// an extra entry recording the warning when a confirm-gated call fails open.
type AuditSink interface {
	Record(entry AuditEntry)
}

// Registry holds registered tools and coordinates safety, schema
// validation, fuzzy resolution, and audit logging around dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	resolver FuzzyResolver
	safety   SafetyChecker
	confirm  ConfirmCallback
	audit    AuditSink

	schemas   map[string]*jsonschema.Schema
	schemasMu sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// SetResolver installs an optional fuzzy-name resolver.
func (r *Registry) SetResolver(resolver FuzzyResolver) { r.resolver = resolver }

// SetSafetyChecker installs an optional safety pre-check.
func (r *Registry) SetSafetyChecker(checker SafetyChecker) { r.safety = checker }

// SetConfirmCallback installs the callback used for SafetyConfirm
// decisions. Without one, confirm-gated calls fail open.
func (r *Registry) SetConfirmCallback(cb ConfirmCallback) { r.confirm = cb }

// SetAuditSink installs an optional audit sink.
func (r *Registry) SetAuditSink(sink AuditSink) { r.audit = sink }

// Register adds or replaces a tool by name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool

	r.schemasMu.Lock()
	delete(r.schemas, tool.Name())
	r.schemasMu.Unlock()
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// ListDefinitions returns the wire-level definition of every registered
// tool, in no particular order.
func (r *Registry) ListDefinitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	return out
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Execute runs one tool call, applying fuzzy resolution, safety checks,
// schema validation, and audit logging around the tool's own Execute.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall, cwd string) models.ToolResult {
	tool, ok := r.Get(call.Name)
	if !ok && r.resolver != nil {
		if resolvedName, resolvedArgs, resolved := r.resolver.Resolve(call.Name, call.Arguments, r.names()); resolved {
			if t, ok2 := r.Get(resolvedName); ok2 {
				call.Name = resolvedName
				call.Arguments = resolvedArgs
				tool, ok = t, true
			}
		}
	}
	if !ok {
		return models.ToolResult{Success: false, Output: "Unknown tool: " + call.Name}
	}

	if r.safety != nil {
		decision, reason := r.safety.Check(call)
		switch decision {
		case SafetyBlock:
			r.recordAudit(call, false, true, reason)
			return models.ToolResult{Success: false, Output: "Blocked: " + reason}
		case SafetyConfirm:
			if r.confirm == nil {
				// Fail open: no confirmation mechanism configured.
				r.recordAudit(call, true, false, "confirm required but no callback registered; failing open")
			} else if !r.confirm(ctx, call) {
				r.recordAudit(call, false, true, "confirmation denied")
				return models.ToolResult{Success: false, Output: "Blocked: confirmation denied"}
			}
		}
	}

	if err := r.validateArgs(tool, call); err != nil {
		r.recordAudit(call, false, false, err.Error())
		return models.ToolResult{Success: false, Output: "Invalid arguments: " + err.Error()}
	}

	result, err := tool.Execute(ctx, call.Arguments, cwd)
	if err != nil {
		r.recordAudit(call, false, false, err.Error())
		return models.ToolResult{Success: false, Output: err.Error()}
	}
	r.recordAudit(call, result.Success, false, "")
	return result
}

// ExecuteAll runs every call concurrently and returns a mapping of
// call.ID to result. Individual failures become result values, never
// errors from this function.
func (r *Registry) ExecuteAll(ctx context.Context, calls []models.ToolCall, cwd string) map[string]models.ToolResult {
	results := make(map[string]models.ToolResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, call := range calls {
		call := call
		group.Go(func() error {
			res := r.Execute(groupCtx, call, cwd)
			mu.Lock()
			results[call.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return results
}

func (r *Registry) recordAudit(call models.ToolCall, success, blocked bool, reason string) {
	if r.audit == nil {
		return
	}
	r.audit.Record(AuditEntry{
		Tool:      call.Name,
		Args:      call.Arguments,
		Success:   success,
		Blocked:   blocked,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

func (r *Registry) validateArgs(tool Tool, call models.ToolCall) error {
	def := tool.Definition()
	if len(def.Parameters) == 0 {
		return nil
	}

	schema, err := r.compileSchema(def)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", def.Name, err)
	}

	argBytes, err := json.Marshal(call.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var v any
	if err := json.Unmarshal(argBytes, &v); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

func (r *Registry) compileSchema(def models.ToolDefinition) (*jsonschema.Schema, error) {
	r.schemasMu.Lock()
	defer r.schemasMu.Unlock()

	if s, ok := r.schemas[def.Name]; ok {
		return s, nil
	}

	paramBytes, err := json.Marshal(def.Parameters)
	if err != nil {
		return nil, err
	}

	url := "tool://" + def.Name + "/params.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(paramBytes)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	r.schemas[def.Name] = schema
	return schema, nil
}

func bytesToAny(b []byte) any {
	var v any
	_ = json.Unmarshal(b, &v)
	return v
}
