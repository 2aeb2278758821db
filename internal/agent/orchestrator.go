// Package agent implements the tool-calling conversation loop.
//
// An [Orchestrator] owns one [Conversation]. For every user turn it
// sends the transcript and the tools of the selected server to a chat
// backend, runs the tool calls the model asks for one after another,
// appends their results and then asks the backend for a final answer
// with no tools offered. Failures never unwind the transcript: they are
// recorded as diagnostic system messages after whatever was already
// appended.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tadpole/internal/config"
	"github.com/nugget/tadpole/internal/directory"
	"github.com/nugget/tadpole/internal/events"
	"github.com/nugget/tadpole/internal/llm"
	"github.com/nugget/tadpole/internal/mcp"
	"github.com/nugget/tadpole/internal/prompts"
	"github.com/nugget/tadpole/internal/tools"
	"github.com/nugget/tadpole/internal/usage"
)

// State is the phase of the orchestrator loop.
type State string

// Loop states. Done and Error are transient: a finished turn always
// returns to Idle.
const (
	StateIdle                  State = "idle"
	StateAwaitingModelResponse State = "awaiting_model_response"
	StateExecutingTools        State = "executing_tools"
	StateAwaitingFinalResponse State = "awaiting_final_response"
	StateDone                  State = "done"
	StateError                 State = "error"
)

var (
	// ErrStopped is returned when a turn ends because Stop was called.
	ErrStopped = errors.New("request stopped")
	// ErrBusy is returned when a turn is already running or the
	// message queue is full.
	ErrBusy = errors.New("conversation is busy")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conversation is closed")
)

// Directory is the part of the server directory the orchestrator uses.
// *directory.Directory satisfies it.
type Directory interface {
	Get(id string) (directory.Server, error)
	Selected() (directory.Server, bool)
	Select(id string) error
	SelectedModel() string
	Client(id string) (directory.ToolClient, error)
	Probe(ctx context.Context, id string) ([]tools.Descriptor, error)
	Disconnect(id string) error
	SetStatus(id string, status directory.Status, cause error)
	Registry() *tools.Registry
}

// Config tunes one orchestrator.
type Config struct {
	// ConversationID defaults to a random UUID.
	ConversationID string

	// Model is used when the directory has no selected model.
	Model string

	// SystemPrompt replaces the default system message preamble.
	SystemPrompt string

	// TruncateChars caps each tool result. Zero selects
	// config.DefaultTruncateChars; a negative value disables the cap.
	TruncateChars int

	// Prime sends a throwaway tool-bearing request whenever a tool set
	// becomes active.
	Prime bool

	ChatTimeout time.Duration

	// QueueSize bounds messages waiting in SendMessage.
	QueueSize int
}

// ConfigFrom derives an orchestrator Config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Model:         cfg.Models.Default,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		TruncateChars: cfg.Agent.TruncateChars,
		Prime:         cfg.Agent.PrimeEnabled(),
		ChatTimeout:   cfg.Models.ChatTimeout,
		QueueSize:     cfg.Agent.QueueSize,
	}
}

// Deps are the collaborators of an orchestrator.
type Deps struct {
	Directory Directory
	LLM       llm.Client
	Bus       *events.Bus
	Logger    *slog.Logger
	// Usage, if set, receives the token counts of every chat request.
	Usage UsageRecorder
}

// UsageRecorder persists token usage. [usage.Store] implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Orchestrator drives one conversation.
type Orchestrator struct {
	cfg    Config
	dir    Directory
	llm    llm.Client
	bus    *events.Bus
	usage  UsageRecorder
	logger *slog.Logger
	conv   *Conversation

	mu            sync.Mutex
	state         State
	promptContext string
	detached      bool

	// turnMu serializes every mutation of the conversation.
	turnMu sync.Mutex

	// stopGen counts Stop calls. A turn is stopped once it differs from
	// turnGen, the value seen when the turn's message was accepted.
	stopGen atomic.Uint64
	turnGen uint64 // guarded by turnMu

	queue     chan string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates an orchestrator bound to the directory's current
// selection and starts its message worker.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Directory == nil {
		return nil, fmt.Errorf("agent: directory is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("agent: chat backend is required")
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = uuid.NewString()
	}
	if cfg.TruncateChars == 0 {
		cfg.TruncateChars = config.DefaultTruncateChars
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultQueueSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		dir:    deps.Directory,
		llm:    deps.LLM,
		bus:    deps.Bus,
		usage:  deps.Usage,
		logger: logger.With("conversation", cfg.ConversationID),
		conv:   NewConversation(cfg.ConversationID),
		state:  StateIdle,
		queue:  make(chan string, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if _, ok := deps.Directory.Selected(); ok {
		o.refreshSystem()
	}

	o.wg.Add(1)
	go o.worker()
	return o, nil
}

// ID returns the conversation identifier.
func (o *Orchestrator) ID() string {
	return o.conv.ID()
}

// Conversation returns the transcript owned by o.
func (o *Orchestrator) Conversation() *Conversation {
	return o.conv
}

// State returns the current loop state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ServerID returns the id of the server this conversation uses.
func (o *Orchestrator) ServerID() string {
	s, ok := o.dir.Selected()
	if !ok {
		return ""
	}
	return s.ID
}

// Connect opens a session with the selected server, refreshes its tools
// and regenerates the system message. Failures are recorded in the
// transcript and returned.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	_, err := o.connect(ctx)
	return err
}

func (o *Orchestrator) connect(ctx context.Context) ([]tools.Descriptor, error) {
	id := o.ServerID()
	if id == "" {
		return nil, &directory.ConfigurationError{Reason: "no tool server selected"}
	}
	o.mu.Lock()
	o.detached = false
	o.mu.Unlock()

	descs, err := o.dir.Probe(ctx, id)
	o.refreshSystem()
	if err != nil {
		o.logger.Warn("tool server connect failed", "server_id", id, "error", err)
		o.appendDiagnostic(prompts.Diagnostic("connect", err))
		return nil, err
	}
	o.logger.Info("tool server connected", "server_id", id, "tools", len(descs))

	if o.cfg.Prime {
		o.prime(ctx)
	}
	return descs, nil
}

// Disconnect ends the session with the selected server. Turns run
// without tools until Connect is called again.
func (o *Orchestrator) Disconnect() error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	id := o.ServerID()
	if id == "" {
		return nil
	}
	o.mu.Lock()
	o.detached = true
	o.mu.Unlock()

	if err := o.dir.Disconnect(id); err != nil {
		return err
	}
	o.refreshSystem()
	return nil
}

// IsConnected reports whether the selected server has a live session.
func (o *Orchestrator) IsConnected() bool {
	return o.connected(o.ServerID())
}

func (o *Orchestrator) connected(id string) bool {
	if id == "" {
		return false
	}
	client, err := o.dir.Client(id)
	if err != nil {
		return false
	}
	return client.IsConnected()
}

// AvailableTools returns the enabled tools of the selected server while
// it is connected.
func (o *Orchestrator) AvailableTools() []tools.Descriptor {
	return o.availableTools(o.ServerID())
}

func (o *Orchestrator) availableTools(id string) []tools.Descriptor {
	if !o.connected(id) {
		return nil
	}
	return o.dir.Registry().Tools(id)
}

// SelectServer makes id the active server and connects to it. An empty
// id clears the selection.
func (o *Orchestrator) SelectServer(ctx context.Context, id string) error {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	if err := o.dir.Select(id); err != nil {
		return err
	}
	o.logger.Info("tool server selected", "server_id", id)

	if id == "" {
		o.refreshSystem()
		return nil
	}
	_, err := o.connect(ctx)
	return err
}

// RefreshTools reloads the tool list of the selected server.
func (o *Orchestrator) RefreshTools(ctx context.Context) ([]tools.Descriptor, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	return o.connect(ctx)
}

// SetPromptContext sets free-form guidance included in the system
// message.
func (o *Orchestrator) SetPromptContext(text string) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	o.promptContext = strings.TrimSpace(text)
	o.mu.Unlock()
	o.refreshSystem()
}

// Prime sends the throwaway readiness request for the active tool set.
// The answer is discarded and failures are only logged.
func (o *Orchestrator) Prime(ctx context.Context) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	o.prime(ctx)
}

func (o *Orchestrator) prime(ctx context.Context) {
	id := o.ServerID()
	available := o.availableTools(id)
	fns := o.functions(id)
	if fns == nil {
		return
	}

	var msgs []llm.Message
	if sys, ok := o.conv.SystemMessage(); ok {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: sys})
	}
	names := make([]string, len(available))
	for i, d := range available {
		names[i] = d.Name
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompts.PrimingPrompt(names)})

	cctx, cancel := o.chatContext(ctx)
	defer cancel()
	start := time.Now()
	resp, err := o.llm.Chat(cctx, o.model(), msgs, fns)
	o.recordUsage(usage.PurposePrime, resp, time.Since(start))
	if err != nil {
		o.logger.Warn("priming request failed", "server_id", id, "error", err)
	} else {
		o.logger.Debug("priming request complete", "server_id", id, "tools", len(fns), "elapsed", time.Since(start))
	}
	o.bus.Emit(events.SourceAgent, events.KindPrimed, map[string]any{
		"conversation_id": o.conv.ID(),
		"server":          id,
		"tools":           len(fns),
		"ok":              err == nil,
	})
}

// Process runs one user turn synchronously. It returns ErrBusy when
// another turn is in progress.
func (o *Orchestrator) Process(ctx context.Context, text string) error {
	if o.closed.Load() {
		return ErrClosed
	}
	gen := o.stopGen.Load()
	if !o.turnMu.TryLock() {
		return ErrBusy
	}
	defer o.turnMu.Unlock()
	o.turnGen = gen
	return o.process(ctx, text)
}

// SendMessage queues text for the message worker and returns at once.
// Progress is observed through the event bus and the conversation.
func (o *Orchestrator) SendMessage(text string) error {
	if o.closed.Load() {
		return ErrClosed
	}
	select {
	case o.queue <- text:
		return nil
	default:
		return ErrBusy
	}
}

// Stop asks the running turn to end at its next suspension point and
// drops queued messages. Calls already issued still get their results
// recorded.
func (o *Orchestrator) Stop() {
	o.stopGen.Add(1)
	dropped := 0
drain:
	for {
		select {
		case <-o.queue:
			dropped++
		default:
			break drain
		}
	}
	o.logger.Info("stop requested", "state", o.State(), "dropped", dropped)
}

// Close stops the message worker. A running turn sees its context
// cancelled.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		o.cancel()
		o.wg.Wait()
	})
	return nil
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case text := <-o.queue:
			gen := o.stopGen.Load()
			o.turnMu.Lock()
			o.turnGen = gen
			_ = o.process(o.ctx, text)
			o.turnMu.Unlock()
		}
	}
}

// stepError labels a failure with the loop step it happened in.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }

func (e *stepError) Unwrap() error { return e.err }

// stopped reports whether Stop was called since the current turn's
// message was accepted. turnMu must be held.
func (o *Orchestrator) stopped() bool {
	return o.stopGen.Load() != o.turnGen
}

func (o *Orchestrator) process(ctx context.Context, text string) error {
	start := time.Now()

	o.logger.Info("turn started", "server_id", o.ServerID(), "chars", len(text))
	o.appendMessage(llm.Message{Role: llm.RoleUser, Content: text})

	calls, err := o.runTurn(ctx)
	if err != nil {
		stopped := errors.Is(err, ErrStopped)
		var se *stepError
		switch {
		case stopped:
			o.appendDiagnostic(prompts.StoppedDiagnostic)
		case errors.As(err, &se):
			o.appendDiagnostic(prompts.Diagnostic(se.step, se.err))
		default:
			o.appendDiagnostic(prompts.Diagnostic("turn", err))
		}
		o.setState(StateError)
		o.setState(StateIdle)

		o.logger.Warn("turn failed",
			"tool_calls", calls,
			"stopped", stopped,
			"elapsed", time.Since(start),
			"error", err,
		)
		o.bus.Emit(events.SourceAgent, events.KindTurnFailed, map[string]any{
			"conversation_id": o.conv.ID(),
			"error":           err.Error(),
			"stopped":         stopped,
		})
		return err
	}

	o.setState(StateDone)
	o.setState(StateIdle)
	o.logger.Info("turn complete", "tool_calls", calls, "elapsed", time.Since(start))
	o.bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"conversation_id": o.conv.ID(),
		"tool_calls":      calls,
		"elapsed_ms":      time.Since(start).Milliseconds(),
	})
	return nil
}

// runTurn performs the model request, the tool calls and the final
// request of one turn. It returns the number of tool calls requested.
func (o *Orchestrator) runTurn(ctx context.Context) (int, error) {
	id := o.ensureConnected(ctx)
	fns := o.functions(id)

	o.setState(StateAwaitingModelResponse)
	if o.stopped() {
		return 0, ErrStopped
	}
	resp, err := o.chat(ctx, fns)
	if err != nil {
		return 0, &stepError{step: "model request", err: err}
	}

	if len(resp.Message.ToolCalls) == 0 {
		o.appendMessage(llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content})
		return 0, nil
	}

	calls := slices.Clone(resp.Message.ToolCalls)
	llm.EnsureCallIDs(calls)
	o.appendMessage(llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content, ToolCalls: calls})

	o.setState(StateExecutingTools)
	for i, call := range calls {
		if o.stopped() {
			for _, skipped := range calls[i:] {
				o.appendToolResult(skipped, prompts.ToolNotExecuted(skipped.Function.Name))
			}
			return len(calls), ErrStopped
		}
		o.executeTool(ctx, id, call)
	}
	if o.stopped() {
		return len(calls), ErrStopped
	}

	o.setState(StateAwaitingFinalResponse)
	final, err := o.chat(ctx, nil)
	if err != nil {
		return len(calls), &stepError{step: "final response", err: err}
	}
	if len(final.Message.ToolCalls) > 0 {
		o.logger.Warn("ignoring tool calls in final response", "count", len(final.Message.ToolCalls))
	}
	content := final.Message.Content
	if strings.TrimSpace(content) == "" {
		o.logger.Warn("empty final response, using fallback")
		content = prompts.EmptyResponseFallback
	}
	o.appendMessage(llm.Message{Role: llm.RoleAssistant, Content: content})
	return len(calls), nil
}

// ensureConnected connects to the selected server before a turn unless
// the user disconnected it. A failed connect is recorded and the turn
// continues without tools.
func (o *Orchestrator) ensureConnected(ctx context.Context) string {
	id := o.ServerID()
	o.mu.Lock()
	detached := o.detached
	o.mu.Unlock()

	if id == "" || detached || o.connected(id) {
		return id
	}
	descs, err := o.dir.Probe(ctx, id)
	if err != nil {
		o.logger.Warn("tool server unavailable for turn", "server_id", id, "error", err)
		o.appendDiagnostic(prompts.Diagnostic("connect", err))
		return id
	}
	o.logger.Debug("tool server connected for turn", "server_id", id, "tools", len(descs))
	o.refreshSystem()
	return id
}

// functions returns the tool definitions offered to the model, or nil
// when there are none.
func (o *Orchestrator) functions(id string) []map[string]any {
	if !o.connected(id) {
		return nil
	}
	fns := o.dir.Registry().FunctionMaps(id)
	if len(fns) == 0 {
		return nil
	}
	return fns
}

func (o *Orchestrator) executeTool(ctx context.Context, serverID string, call llm.ToolCall) {
	name := call.Function.Name
	o.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"conversation_id": o.conv.ID(),
		"server":          serverID,
		"tool":            name,
		"call_id":         call.ID,
	})

	start := time.Now()
	text, err := o.callTool(ctx, serverID, call)
	if err != nil {
		o.logger.Warn("tool call failed", "tool", name, "call_id", call.ID, "error", err)
		text = prompts.ToolFailed(name, err)
	} else {
		o.logger.Debug("tool call complete", "tool", name, "call_id", call.ID, "chars", len(text), "elapsed", time.Since(start))
	}

	text, truncated := prompts.Truncate(text, o.cfg.TruncateChars)
	o.appendToolResult(call, text)

	o.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"conversation_id": o.conv.ID(),
		"tool":            name,
		"call_id":         call.ID,
		"ok":              err == nil,
		"truncated":       truncated,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
}

func (o *Orchestrator) callTool(ctx context.Context, serverID string, call llm.ToolCall) (string, error) {
	name := call.Function.Name
	if serverID == "" {
		return "", &tools.ErrToolUnavailable{ToolName: name}
	}
	reg := o.dir.Registry()
	if _, err := reg.Lookup(serverID, name); err != nil {
		return "", err
	}
	client, err := o.dir.Client(serverID)
	if err != nil {
		return "", err
	}

	result, err := client.CallTool(ctx, name, reg.CoerceArgs(serverID, name, call.Args()))
	if err != nil {
		if mcp.IsConnectionError(err) {
			o.dir.SetStatus(serverID, directory.StatusError, err)
		}
		return "", err
	}
	return result.Text(), nil
}

func (o *Orchestrator) chat(ctx context.Context, fns []map[string]any) (*llm.ChatResponse, error) {
	ctx, cancel := o.chatContext(ctx)
	defer cancel()
	purpose := usage.PurposeTurn
	if fns == nil {
		purpose = usage.PurposeFinal
	}
	start := time.Now()
	resp, err := o.llm.Chat(ctx, o.model(), o.transcript(), fns)
	o.recordUsage(purpose, resp, time.Since(start))
	return resp, err
}

// recordUsage stores the token counts of resp. Failed requests carry no
// counts and are skipped. Storage errors are logged only.
func (o *Orchestrator) recordUsage(purpose string, resp *llm.ChatResponse, elapsed time.Duration) {
	if o.usage == nil || resp == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = o.model()
	}
	// Recorded even when the turn context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.usage.Record(ctx, usage.Record{
		ConversationID: o.conv.ID(),
		ServerID:       o.ServerID(),
		Model:          model,
		Purpose:        purpose,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		Duration:       elapsed,
	})
	if err != nil {
		o.logger.Warn("usage record failed", "purpose", purpose, "error", err)
	}
}

func (o *Orchestrator) chatContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.ChatTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.ChatTimeout)
	}
	return context.WithCancel(ctx)
}

// transcript returns the messages sent to the backend: diagnostics are
// left out.
func (o *Orchestrator) transcript() []llm.Message {
	msgs := o.conv.Messages()
	return slices.DeleteFunc(msgs, func(m llm.Message) bool { return m.Diagnostic })
}

func (o *Orchestrator) model() string {
	if m := o.dir.SelectedModel(); m != "" {
		return m
	}
	return o.cfg.Model
}

// refreshSystem regenerates the system message once a server or prompt
// context has been chosen.
func (o *Orchestrator) refreshSystem() {
	id := o.ServerID()
	o.mu.Lock()
	pctx := o.promptContext
	o.mu.Unlock()

	if _, ok := o.conv.SystemMessage(); !ok && id == "" && pctx == "" {
		return
	}

	in := prompts.SystemInput{Preamble: o.cfg.SystemPrompt, Context: pctx}
	if id != "" {
		if s, err := o.dir.Get(id); err == nil {
			in.ServerName = s.Name
			in.ServerPrompt = s.Prompt
		}
		in.Tools = summarize(o.availableTools(id))
	}

	if o.conv.setSystem(prompts.SystemMessage(in)) {
		o.logger.Debug("system message regenerated", "server_id", id, "tools", len(in.Tools))
		o.bus.Emit(events.SourceAgent, events.KindMessageAppended, map[string]any{
			"conversation_id": o.conv.ID(),
			"index":           0,
			"role":            llm.RoleSystem,
			"replaced":        true,
		})
	}
}

func summarize(descs []tools.Descriptor) []prompts.ToolSummary {
	out := make([]prompts.ToolSummary, len(descs))
	for i, d := range descs {
		params := make([]prompts.ToolParam, 0, len(d.Params))
		for _, name := range d.ParamNames() {
			params = append(params, prompts.ToolParam{
				Name:     name,
				Type:     string(d.Params[name].Type),
				Required: d.IsRequired(name),
			})
		}
		out[i] = prompts.ToolSummary{Name: d.Name, Description: d.Description, Params: params}
	}
	return out
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev == s {
		return
	}
	o.bus.Emit(events.SourceAgent, events.KindStateChanged, map[string]any{
		"conversation_id": o.conv.ID(),
		"from":            string(prev),
		"to":              string(s),
	})
}

func (o *Orchestrator) appendMessage(m llm.Message) {
	idx := o.conv.append(m)
	o.bus.Emit(events.SourceAgent, events.KindMessageAppended, map[string]any{
		"conversation_id": o.conv.ID(),
		"index":           idx,
		"role":            m.Role,
		"tool_name":       m.ToolName,
		"tool_calls":      len(m.ToolCalls),
		"diagnostic":      m.Diagnostic,
	})
}

func (o *Orchestrator) appendToolResult(call llm.ToolCall, text string) {
	o.appendMessage(llm.Message{
		Role:       llm.RoleTool,
		Content:    text,
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
	})
}

func (o *Orchestrator) appendDiagnostic(text string) {
	o.appendMessage(llm.Message{Role: llm.RoleSystem, Content: text, Diagnostic: true})
}
