// Package agentloop runs the bounded multi-turn conversation: route, fit,
// call a provider, dispatch tool calls, escalate on signal, accumulate
// usage, and return a final response.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/localagent/corvid/internal/fitter"
	"github.com/localagent/corvid/internal/models"
	"github.com/localagent/corvid/internal/providers"
	"github.com/localagent/corvid/internal/routing"
	"github.com/localagent/corvid/internal/tokenize"
	"github.com/localagent/corvid/internal/toolsreg"
)

// EventKind distinguishes the events a Loop emits during a run.
type EventKind string

const (
	EventThinking         EventKind = "thinking"
	EventToken            EventKind = "token"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallComplete EventKind = "tool_call_complete"
)

// Event is one notification emitted during a run when a sink is supplied.
// Their absence must never change loop behavior.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall *models.ToolCall
	Result   *models.ToolResult
}

// EventSink receives loop events. Implementations must be non-blocking or
// handle their own backpressure.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

const defaultMaxTurns = 10

// Config configures one Run call.
type Config struct {
	MaxTurns            int
	Events              EventSink
	EscalationThreshold float64
}

func sanitizeConfig(cfg Config) Config {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 0.5
	}
	return cfg
}

// Result is what Run returns.
type Result struct {
	Content   string
	Target    routing.Target
	Provider  string
	Usage     models.Usage
	Escalated bool
	Turns     int
}

// Loop owns conversation state for every session it serves. Per session,
// the Loop is the sole mutator of the message sequence; callers observe it
// only through Messages, which returns a copy.
type Loop struct {
	local  providers.LLMProvider
	remote providers.LLMProvider // nil when no remote is configured

	tools      *toolsreg.Registry
	counter    tokenize.Counter
	routingCfg routing.Config
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string][]models.Message
}

// New creates a Loop. remote may be nil, in which case every turn runs
// local and escalation is a no-op.
func New(local, remote providers.LLMProvider, tools *toolsreg.Registry, routingCfg routing.Config, counter tokenize.Counter, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if counter == nil {
		counter = tokenize.NewCharRatioEstimator()
	}
	return &Loop{
		local:      local,
		remote:     remote,
		tools:      tools,
		counter:    counter,
		routingCfg: routingCfg,
		logger:     logger,
		sessions:   make(map[string][]models.Message),
	}
}

// Messages returns a copy of the session's current message sequence.
func (l *Loop) Messages(sessionID string) []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.sessions[sessionID]
	out := make([]models.Message, len(src))
	copy(out, src)
	return out
}

// Run executes the bounded turn loop for sessionID, appending userMessage
// to the session and returning once a final response is produced or
// cfg.MaxTurns is exhausted.
func (l *Loop) Run(ctx context.Context, sessionID, systemPrompt, userMessage string, cfg Config) (Result, error) {
	if l.local == nil {
		return Result{}, errors.New("agentloop: no local provider configured")
	}
	cfg = sanitizeConfig(cfg)

	l.mu.Lock()
	messages := append(l.sessions[sessionID], models.Message{Role: models.RoleUser, Text: userMessage})
	l.sessions[sessionID] = messages
	l.mu.Unlock()

	toolDefs := l.tools.ListDefinitions()
	toolNames := make([]string, 0, len(toolDefs))
	for _, d := range toolDefs {
		toolNames = append(toolNames, d.Name)
	}

	decision := routing.Route(messages, toolNames, l.routingCfg)
	target := decision.Target
	if target == routing.TargetRemote && l.remote == nil {
		l.logger.Warn("agentloop: remote target requested but no remote provider configured, falling back to local")
		target = routing.TargetLocal
	}

	var (
		usage        models.Usage
		escalated    bool
		lastContent  string
		lastProvider string
	)

	for turn := 1; turn <= cfg.MaxTurns; turn++ {
		provider := l.providerFor(target)
		lastProvider = provider.Name()

		response, err := l.callProvider(ctx, provider, systemPrompt, messages, toolDefs, cfg)
		if err != nil {
			return Result{}, fmt.Errorf("agentloop: turn %d: %w", turn, err)
		}
		usage.Add(response.Usage)
		lastContent = response.Content

		if target == routing.TargetLocal && l.remote != nil &&
			routing.ShouldRetryWithRemote(response, cfg.EscalationThreshold) {
			target = routing.TargetRemote
			escalated = true
			continue
		}

		if len(response.ToolCalls) > 0 {
			l.appendMessage(sessionID, models.Message{
				Role:      models.RoleAssistant,
				Text:      response.Content,
				ToolCalls: response.ToolCalls,
			})
			messages = l.Messages(sessionID)

			l.emitToolStarts(ctx, cfg.Events, response.ToolCalls)
			results := l.tools.ExecuteAll(ctx, response.ToolCalls, "")

			escalateNext := false
			for _, call := range response.ToolCalls {
				result := results[call.ID]
				l.emitToolComplete(ctx, cfg.Events, call, result)
				l.appendMessage(sessionID, models.Message{
					Role:       models.RoleTool,
					Text:       result.Output,
					ToolCallID: call.ID,
				})
				if result.SuggestEscalation && target == routing.TargetLocal {
					escalateNext = true
				}
			}
			messages = l.Messages(sessionID)

			if escalateNext && l.remote != nil {
				target = routing.TargetRemote
				escalated = true
			}
			continue
		}

		l.appendMessage(sessionID, models.Message{Role: models.RoleAssistant, Text: response.Content})
		return Result{
			Content:   response.Content,
			Target:    target,
			Provider:  lastProvider,
			Usage:     usage,
			Escalated: escalated,
			Turns:     turn,
		}, nil
	}

	return Result{
		Content:   lastContent,
		Target:    target,
		Provider:  lastProvider,
		Usage:     usage,
		Escalated: escalated,
		Turns:     cfg.MaxTurns,
	}, nil
}

func (l *Loop) providerFor(target routing.Target) providers.LLMProvider {
	if target == routing.TargetRemote && l.remote != nil {
		return l.remote
	}
	return l.local
}

// callProvider fits the session against the provider's window and calls
// it. On a context-size error it re-fits once against the server-reported
// window and retries exactly once; any further failure propagates.
func (l *Loop) callProvider(ctx context.Context, provider providers.LLMProvider, systemPrompt string, messages []models.Message, tools []models.ToolDefinition, cfg Config) (models.ChatResponse, error) {
	fitCfg := fitter.DefaultConfig(provider.ContextLength())
	fitted, err := fitter.Fit(ctx, systemPrompt, messages, tools, fitCfg, l.counter, l.logger)
	if err != nil {
		return models.ChatResponse{}, fmt.Errorf("fit messages: %w", err)
	}

	opts := providers.ChatOptions{}
	if cfg.Events != nil {
		opts.OnToken = func(text string) {
			cfg.Events.Emit(ctx, Event{Kind: EventToken, Text: text})
		}
	}

	response, err := provider.Chat(ctx, providers.ChatRequest{
		SystemPrompt: systemPrompt,
		Messages:     fitted,
		Tools:        tools,
		Options:      opts,
	})
	if err == nil {
		return response, nil
	}

	cse, ok := providers.IsContextSizeError(err)
	if !ok {
		return models.ChatResponse{}, err
	}

	l.logger.Warn("agentloop: context size exceeded, re-fitting once",
		"provider", provider.Name(), "reported_window", cse.ReportedWindow)

	refitCfg := fitter.DefaultConfig(cse.ReportedWindow)
	refitted, ferr := fitter.Fit(ctx, systemPrompt, messages, tools, refitCfg, l.counter, l.logger)
	if ferr != nil {
		return models.ChatResponse{}, fmt.Errorf("re-fit after context-size error: %w", ferr)
	}

	response, err = provider.Chat(ctx, providers.ChatRequest{
		SystemPrompt: systemPrompt,
		Messages:     refitted,
		Tools:        tools,
		Options:      opts,
	})
	if err != nil {
		return models.ChatResponse{}, fmt.Errorf("retry after context-size error: %w", err)
	}
	return response, nil
}

func (l *Loop) appendMessage(sessionID string, msg models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[sessionID] = append(l.sessions[sessionID], msg)
}

func (l *Loop) emitToolStarts(ctx context.Context, sink EventSink, calls []models.ToolCall) {
	if sink == nil {
		return
	}
	for i := range calls {
		sink.Emit(ctx, Event{Kind: EventToolCallStart, ToolCall: &calls[i]})
	}
}

func (l *Loop) emitToolComplete(ctx context.Context, sink EventSink, call models.ToolCall, result models.ToolResult) {
	if sink == nil {
		return
	}
	c := call
	r := result
	sink.Emit(ctx, Event{Kind: EventToolCallComplete, ToolCall: &c, Result: &r})
}
