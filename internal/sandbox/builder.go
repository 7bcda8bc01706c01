package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
)

// MaxBuildIterations bounds the tool loop of a single build session. Hitting
// the cap is not an error; the session simply ends with whatever was built.
const MaxBuildIterations = 15

// How much tool output is kept in the sandbox log and fed back to the model.
const (
	logResultCap  = 500
	toolResultCap = 2000
)

// Builder runs the agentic build loop: the LLM drives the sandbox through
// file writes, shell commands, and service starts until the application is
// up or the iteration budget runs out.
type Builder struct {
	provider llm.Provider
	manager  *Manager
	store    SandboxStore
	logger   *slog.Logger
	metrics  Metrics

	maxTokens int
	settle    time.Duration
}

// NewBuilder creates a build loop driver.
func NewBuilder(provider llm.Provider, manager *Manager, logger *slog.Logger, metrics Metrics) *Builder {
	return &Builder{
		provider:  provider,
		manager:   manager,
		store:     manager.Store(),
		logger:    logger,
		metrics:   metrics,
		maxTokens: 16000,
		settle:    3 * time.Second,
	}
}

// Start records the user message, flips the sandbox to building, and returns.
// The loop itself runs in the supplied goroutine runner (the HTTP handler
// passes `go`-wrapped Run), so the caller can answer 202 immediately.
func (b *Builder) Start(ctx context.Context, id, message string) (*domain.Sandbox, error) {
	sb, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sb.Messages = append(sb.Messages, domain.ChatMessage{Role: "user", Content: message})
	sb.Status = domain.SandboxBuilding
	b.appendLog(sb, "user", message)
	b.save(ctx, sb)
	return sb, nil
}

// Run executes the build loop for a sandbox whose Start has been recorded.
// It is safe to call from a goroutine; all progress is persisted through the
// store so pollers see file writes and tool results as they happen.
func (b *Builder) Run(ctx context.Context, id string) {
	sb, err := b.store.Get(ctx, id)
	if err != nil {
		b.logger.Error("build loop: loading sandbox failed",
			slog.String("sandbox", id), slog.String("error", err.Error()))
		return
	}

	system := buildSystemPrompt(sb.ID, sb.Port, sb.WorkerHost)
	tools := buildTools()

	// Rebuild the conversation from the persisted transcript so follow-up
	// sessions keep full history.
	messages := make([]llm.Message, 0, len(sb.Messages))
	for _, m := range sb.Messages {
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}

	var finalText string
	serviceStarted := false

	for iter := 0; iter < MaxBuildIterations; iter++ {
		resp, err := b.provider.SendMessage(ctx, &llm.Request{
			SystemPrompt: system,
			Messages:     messages,
			MaxTokens:    b.maxTokens,
			Tools:        tools,
		})
		if err != nil {
			b.logErrorEntry(ctx, id, "LLM error: "+err.Error())
			break
		}

		assistant := llm.Message{Role: llm.RoleAssistant, ContentBlocks: resp.ContentBlocks}
		messages = append(messages, assistant)

		if text := assistant.TextContent(); text != "" {
			finalText = text
			b.logEntry(ctx, id, "text", text)
		}

		toolCalls := resp.ToolUseBlocks()
		if !resp.HasToolUse() || len(toolCalls) == 0 {
			break
		}

		results := make([]llm.ContentBlock, 0, len(toolCalls))
		for _, block := range toolCalls {
			result, isError, started := b.runTool(ctx, id, block.Name, block.Input)
			if started {
				serviceStarted = true
			}
			b.logEntry(ctx, id, block.Name, result)
			if b.metrics != nil {
				b.metrics.BuildToolCall(block.Name)
			}
			results = append(results, llm.ToolResultBlock(block.ID, result, isError))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, ContentBlocks: results})
	}

	// Close the session: persist the assistant's last words and settle the
	// terminal status. A started service means the app is live.
	sb, err = b.store.Get(ctx, id)
	if err != nil {
		return
	}
	sb.Messages = append(sb.Messages, domain.ChatMessage{Role: "assistant", Content: finalText})
	if sb.Status == domain.SandboxBuilding {
		if serviceStarted {
			sb.Status = domain.SandboxDeployed
		} else {
			sb.Status = domain.SandboxCreated
		}
	}
	b.save(ctx, sb)
	b.logger.Info("build session finished",
		slog.String("sandbox", id),
		slog.String("status", string(sb.Status)),
		slog.Bool("service_started", serviceStarted))
}

// runTool dispatches one tool call. It returns the result text, whether the
// result is an error, and whether the sandbox's service was started.
func (b *Builder) runTool(ctx context.Context, id, name string, input map[string]any) (result string, isError, started bool) {
	sb, err := b.store.Get(ctx, id)
	if err != nil {
		return "Error: " + err.Error(), true, false
	}
	w := b.manager.worker(sb.WorkerHost)
	dir := Dir(sb.ID)

	switch name {
	case toolWriteFile:
		p, _ := input["path"].(string)
		content, ok := input["content"].(string)
		if p == "" || !ok {
			return fmt.Sprintf("Error: write_file requires path and content (got path=%q)", p), true, false
		}
		remote := path.Join(dir, p)
		if _, err := b.manager.exec.Run(ctx, w, fmt.Sprintf("mkdir -p $(dirname '%s')", remote)); err != nil {
			return "Error: " + err.Error(), true, false
		}
		if err := b.manager.exec.Push(ctx, w, remote, content); err != nil {
			return "Error: " + err.Error(), true, false
		}
		if sb.Files == nil {
			sb.Files = map[string]string{}
		}
		sb.Files[p] = content
		b.save(ctx, sb)
		return fmt.Sprintf("Written: %s (%d bytes)", p, len(content)), false, false

	case toolRunCommand:
		cmd, _ := input["command"].(string)
		if cmd == "" {
			return "Error: run_command requires command parameter", true, false
		}
		out, err := b.manager.exec.Run(ctx, w, fmt.Sprintf("cd %s && %s 2>&1", dir, cmd))
		if err != nil {
			return truncate(out+"\n"+err.Error(), toolResultCap), true, false
		}
		return truncate(out, toolResultCap), false, false

	case toolStartService:
		entry, _ := input["entry_point"].(string)
		if entry == "" {
			return "Error: start_service requires entry_point parameter", true, false
		}
		if out, err := b.manager.syntaxCheck(ctx, sb, entry); err != nil {
			return fmt.Sprintf("Syntax error in %s, fix before starting:\n%s\n\nHINT: Replace any template literals (backticks) inside HTML strings with string concatenation using +",
				entry, truncate(out, 800)), true, false
		}
		verified, err := b.manager.startService(ctx, sb, entry, b.settle)
		if err != nil {
			return "Error: " + err.Error(), true, false
		}
		sb.EntryPoint = entry
		if !verified {
			tail, _ := b.manager.exec.Run(ctx, w,
				fmt.Sprintf("tail -10 %s/app.log 2>/dev/null || echo '(no log)'", dir))
			b.save(ctx, sb)
			return "Deploy may have failed, app not responding yet:\n" + truncate(tail, toolResultCap), false, true
		}
		sb.Status = domain.SandboxDeployed
		sb.Verified = true
		b.save(ctx, sb)
		return fmt.Sprintf("Deployed at %s (running)", sb.URL), false, true

	case toolProposeFollowup:
		workers, err := decodeSuggestedWorkers(input["workers"])
		if err != nil {
			return "Error: " + err.Error(), true, false
		}
		sb.SuggestedWorkers = workers
		b.save(ctx, sb)
		return fmt.Sprintf("Suggested %d workers", len(workers)), false, false

	default:
		return "Error: unknown tool " + name, true, false
	}
}

// decodeSuggestedWorkers converts the loosely typed tool input into domain
// records via a JSON round trip.
func decodeSuggestedWorkers(v any) ([]domain.SuggestedWorker, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid workers payload: %w", err)
	}
	var workers []domain.SuggestedWorker
	if err := json.Unmarshal(raw, &workers); err != nil {
		return nil, fmt.Errorf("invalid workers payload: %w", err)
	}
	return workers, nil
}

// logEntry appends a tool event to the sandbox log, reloading first so
// concurrent writers do not clobber each other's entries.
func (b *Builder) logEntry(ctx context.Context, id, tool, result string) {
	sb, err := b.store.Get(ctx, id)
	if err != nil {
		return
	}
	b.appendLog(sb, tool, result)
	b.save(ctx, sb)
}

func (b *Builder) logErrorEntry(ctx context.Context, id, msg string) {
	b.logEntry(ctx, id, "error", msg)
	b.logger.Error("build loop error", slog.String("sandbox", id), slog.String("error", msg))
}

func (b *Builder) appendLog(sb *domain.Sandbox, tool, result string) {
	sb.Log = append(sb.Log, domain.SandboxLogEntry{
		Tool:   tool,
		Result: truncate(result, logResultCap),
		At:     time.Now().UTC(),
	})
}

func (b *Builder) save(ctx context.Context, sb *domain.Sandbox) {
	sb.UpdatedAt = time.Now().UTC()
	if err := b.store.Update(ctx, sb); err != nil {
		b.logger.Error("persisting sandbox failed",
			slog.String("sandbox", sb.ID), slog.String("error", err.Error()))
	}
}
