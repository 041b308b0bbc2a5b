package model

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
)

// Options configures a Genkit model.
type Options struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider     string
	Model        string
	SummaryModel string
	APIKey       string
	// BaseURL is the endpoint for openai_compatible and anthropic proxies.
	BaseURL string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
}

// Genkit implements Model on top of a genkit instance. Tools are defined on
// the instance returned by G and looked up by name per request.
type Genkit struct {
	g            *genkit.Genkit
	provider     string
	modelName    string
	summaryModel string
	available    bool

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
}

// NewGenkit initializes genkit with the plugin for opts.Provider. Without an
// API key the instance still initializes so tools can be registered, but Run
// and Summarize fail with ErrNotConfigured.
func NewGenkit(ctx context.Context, opts Options) *Genkit {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "model")

	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" || provider == "gemini" {
		provider = "google"
	}
	modelID := strings.TrimSpace(opts.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(opts.APIKey)

	var g *genkit.Genkit
	available := apiKey != ""
	switch {
	case !available:
		g = genkit.Init(ctx)
		logger.Warn("model API key missing; turns will fail until configured", "provider", provider)
	case provider == "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: opts.BaseURL,
		}))
	case provider == "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  opts.BaseURL,
		}))
	case provider == "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai_compatible",
			APIKey:   apiKey,
			BaseURL:  opts.BaseURL,
		}))
	case provider == "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		g = genkit.Init(ctx)
		available = false
		logger.Warn("unknown model provider", "provider", provider)
	}
	if available {
		logger.Info("model initialized", "provider", provider, "model", modelID)
	}

	summary := strings.TrimSpace(opts.SummaryModel)
	if summary == "" {
		summary = modelID
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	return &Genkit{
		g:            g,
		provider:     provider,
		modelName:    ModelName(provider, modelID),
		summaryModel: ModelName(provider, summary),
		available:    available,
		logger:       logger,
		tracer:       tracer,
		metrics:      opts.Metrics,
	}
}

// NewGenkitWith wraps an existing genkit instance, typically one with a
// model defined by the caller.
func NewGenkitWith(g *genkit.Genkit, modelName string, logger *slog.Logger) *Genkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Genkit{
		g:            g,
		modelName:    modelName,
		summaryModel: modelName,
		available:    true,
		logger:       logger.With("component", "model"),
		tracer:       nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName),
	}
}

// G returns the genkit instance tools are defined on.
func (m *Genkit) G() *genkit.Genkit { return m.g }

// Available reports whether a provider is configured.
func (m *Genkit) Available() bool { return m.available }

// ModelName returns the fully qualified name used for turns.
func (m *Genkit) ModelName() string { return m.modelName }

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

// ModelName qualifies model with the plugin prefix genkit expects.
func ModelName(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return "openai_compatible/" + model
	default:
		return "googleai/" + model
	}
}

// Run drives the tool loop manually so every model round trip surfaces as
// one Step. Tool errors are returned to the model as output, not as a Step
// error.
func (m *Genkit) Run(ctx context.Context, req Request) iter.Seq2[Step, error] {
	return func(yield func(Step, error) bool) {
		if !m.available {
			yield(Step{}, callErr("generate", ErrNotConfigured))
			return
		}
		var refs []ai.ToolRef
		for _, name := range req.Tools {
			tool := genkit.LookupTool(m.g, name)
			if tool == nil {
				yield(Step{}, callErr("generate", fmt.Errorf("unknown tool %q", name)))
				return
			}
			refs = append(refs, tool)
		}
		maxSteps := req.MaxSteps
		if maxSteps <= 0 {
			maxSteps = DefaultMaxSteps
		}
		msgs := ToGenkitMessages(req.History)
		name := m.turnModel(req.Model)

		for n := 1; ; n++ {
			resp, err := m.generate(ctx, name, req.Params, req.SystemPrompt, msgs, refs, n)
			if err != nil {
				yield(Step{}, err)
				return
			}
			requests := resp.ToolRequests()
			if len(requests) == 0 {
				yield(Step{Text: resp.Text(), Finish: true}, nil)
				return
			}

			step := Step{Text: resp.Text()}
			var responses []*ai.Part
			for i, tr := range requests {
				id := tr.Ref
				if id == "" {
					id = fmt.Sprintf("call_%d_%d", n, i)
				}
				out := m.runTool(ctx, tr)
				step.ToolCalls = append(step.ToolCalls, ToolCall{ID: id, Name: tr.Name, Input: tr.Input})
				step.ToolResults = append(step.ToolResults, ToolResult{ID: id, Name: tr.Name, Output: out})
				responses = append(responses, ai.NewToolResponsePart(&ai.ToolResponse{
					Name:   tr.Name,
					Ref:    id,
					Output: out,
				}))
			}
			if !yield(step, nil) {
				return
			}
			if n >= maxSteps {
				m.logger.Warn("step budget exhausted", "max_steps", maxSteps)
				yield(Step{Text: step.Text, Finish: true}, nil)
				return
			}
			msgs = append(msgs, resp.Message, ai.NewMessage(ai.RoleTool, nil, responses...))
		}
	}
}

// turnModel resolves a per-request model override.
func (m *Genkit) turnModel(override string) string {
	override = strings.TrimSpace(override)
	switch {
	case override == "":
		return m.modelName
	case strings.Contains(override, "/"):
		return override
	default:
		return ModelName(m.provider, override)
	}
}

func (m *Genkit) generate(ctx context.Context, name string, params map[string]any, system string, msgs []*ai.Message, refs []ai.ToolRef, n int) (*ai.ModelResponse, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, m.tracer, "model.generate",
		otelPkg.AttrModel.String(name),
		otelPkg.AttrModelStep.Int(n),
	)
	defer span.End()

	opts := []ai.GenerateOption{
		ai.WithModelName(name),
		ai.WithMessages(msgs...),
		ai.WithReturnToolRequests(true),
	}
	if len(params) > 0 {
		opts = append(opts, ai.WithConfig(params))
	}
	if strings.TrimSpace(system) != "" {
		// WithSystem formats its argument.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if len(refs) > 0 {
		opts = append(opts, ai.WithTools(refs...))
	}
	resp, err := genkit.Generate(ctx, m.g, opts...)
	if m.metrics != nil {
		m.metrics.ModelStepsTotal.Add(ctx, 1)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, callErr("generate", err)
	}
	return resp, nil
}

func (m *Genkit) runTool(ctx context.Context, tr *ai.ToolRequest) any {
	ctx, span := otelPkg.StartSpan(ctx, m.tracer, "tool."+tr.Name, otelPkg.AttrToolName.String(tr.Name))
	defer span.End()
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tool", tr.Name))

	tool := genkit.LookupTool(m.g, tr.Name)
	var (
		out any
		err error
	)
	if tool == nil {
		err = fmt.Errorf("unknown tool %q", tr.Name)
	} else {
		out, err = tool.RunRaw(ctx, tr.Input)
	}
	if m.metrics != nil {
		m.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.ToolCallErrors.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		m.logger.Warn("tool call failed", "tool", tr.Name, "error", err)
		return map[string]any{"error": err.Error()}
	}
	return out
}

// Summarize runs a single tool-free completion on the summary model.
func (m *Genkit) Summarize(ctx context.Context, prompt string) (string, error) {
	if !m.available {
		return "", callErr("summarize", ErrNotConfigured)
	}
	resp, err := genkit.Generate(ctx, m.g,
		ai.WithModelName(m.summaryModel),
		ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
	)
	if err != nil {
		return "", callErr("summarize", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// ToGenkitMessages converts stored history to genkit messages. Tool-call
// parts become tool requests on a model message and tool-result parts become
// tool responses on a tool message.
func ToGenkitMessages(history []a2a.Message) []*ai.Message {
	var out []*ai.Message
	for _, msg := range history {
		var (
			content []*ai.Part
			role    = ai.RoleUser
		)
		if msg.Role == a2a.RoleAgent {
			role = ai.RoleModel
		}
		for _, p := range msg.Parts {
			switch p.DataType() {
			case a2a.DataTypeToolCall:
				content = append(content, ai.NewToolRequestPart(&ai.ToolRequest{
					Ref:   stringField(p.Data, "id"),
					Name:  stringField(p.Data, "name"),
					Input: p.Data["input"],
				}))
			case a2a.DataTypeToolResult:
				role = ai.RoleTool
				content = append(content, ai.NewToolResponsePart(&ai.ToolResponse{
					Ref:    stringField(p.Data, "id"),
					Name:   stringField(p.Data, "name"),
					Output: p.Data["output"],
				}))
			default:
				if p.Kind == a2a.PartKindText {
					if p.Text != "" {
						content = append(content, ai.NewTextPart(p.Text))
					}
					continue
				}
				if raw, err := json.Marshal(p.Data); err == nil {
					content = append(content, ai.NewTextPart(string(raw)))
				}
			}
		}
		if len(content) == 0 {
			continue
		}
		out = append(out, ai.NewMessage(role, nil, content...))
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
