// Package hooks implements the proxy's observation/mutation hook registry
// and the request/response lifecycle types shared across the hot path.
package hooks

import (
	"sync"
	"time"
)

// RequestContext is built once per inbound request and handed to every
// observation/mutation hook.
type RequestContext struct {
	RequestID   string
	SessionID   string // empty if none resolved
	Model       string
	Method      string
	Path        string
	Body        any // parsed JSON value
	EpochMillis int64
	Timestamp   string // ISO-8601
}

// ResponseContext is the finalized view of a completed exchange, built from
// a ResponseBuilder once the upstream stream ends.
type ResponseContext struct {
	StatusCode   int
	DurationMS   int64
	InputTokens  int
	OutputTokens int
	IsSuccess    bool
	ErrorMessage string
	ResponseText string
	StopReason   string // empty if none observed
}

// ResponseBuilder accumulates response state while the upstream stream is
// being relayed. It is shared between the chunk-forwarding loop and the
// detached tasks the SSE scanner spawns per chunk, so every field access
// goes through mu.
type ResponseBuilder struct {
	mu sync.Mutex

	StatusCode int
	Start      time.Time

	text         []byte
	inputTokens  int
	outputTokens int
	err          error
	stopReason   string
}

func NewResponseBuilder(statusCode int) *ResponseBuilder {
	return &ResponseBuilder{StatusCode: statusCode, Start: time.Now()}
}

func (b *ResponseBuilder) AppendText(s string) {
	b.mu.Lock()
	b.text = append(b.text, s...)
	b.mu.Unlock()
}

func (b *ResponseBuilder) SetUsage(inputTokens, outputTokens int) {
	b.mu.Lock()
	b.inputTokens = inputTokens
	b.outputTokens = outputTokens
	b.mu.Unlock()
}

func (b *ResponseBuilder) SetStopReason(reason string) {
	b.mu.Lock()
	b.stopReason = reason
	b.mu.Unlock()
}

func (b *ResponseBuilder) SetError(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Build finalizes a ResponseContext snapshot. Callers should wait a short
// quiescence period after the stream ends before calling Build, so that
// detached appenders spawned from the last chunks have landed (spec §9).
func (b *ResponseBuilder) Build() ResponseContext {
	b.mu.Lock()
	defer b.mu.Unlock()

	rc := ResponseContext{
		StatusCode:   b.StatusCode,
		DurationMS:   time.Since(b.Start).Milliseconds(),
		InputTokens:  b.inputTokens,
		OutputTokens: b.outputTokens,
		IsSuccess:    b.err == nil && b.StatusCode < 400,
		ResponseText: string(b.text),
		StopReason:   b.stopReason,
	}
	if b.err != nil {
		rc.ErrorMessage = b.err.Error()
	}
	return rc
}

// ObservationHook is notified of lifecycle points; it never mutates
// anything and its return values (if any) are ignored by the registry.
type ObservationHook interface {
	Name() string
	RequestBefore(req RequestContext)
	RequestAfter(req RequestContext, res ResponseContext)
	RequestSuccess(req RequestContext, res ResponseContext)
	RequestFailed(req RequestContext, res ResponseContext)
	ResponseChunk(req RequestContext, chunk []byte)
	ResponseComplete(req RequestContext, res ResponseContext)
}

// MutatingHook may rewrite the outgoing request body or the accumulated
// response text seen by later hooks/sinks.
type MutatingHook interface {
	Name() string
	ModifyRequestBody(body []byte, req RequestContext) (replacement []byte, modified bool)
	ModifyResponseText(text string, req RequestContext) (replacement string, modified bool)
}

// Registry holds process-lifetime handles to registered hooks. Registration
// is append-only and expected to happen once at proxy start; dispatch is
// read-dominated and sequential per request to keep cross-hook ordering
// deterministic.
type Registry struct {
	mu      sync.RWMutex
	enabled bool

	observers []ObservationHook
	mutators  []MutatingHook
}

func NewRegistry(enabled bool) *Registry {
	return &Registry{enabled: enabled}
}

func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.enabled = enabled
	r.mu.Unlock()
}

func (r *Registry) RegisterObserver(h ObservationHook) {
	r.mu.Lock()
	r.observers = append(r.observers, h)
	r.mu.Unlock()
}

func (r *Registry) RegisterMutator(h MutatingHook) {
	r.mu.Lock()
	r.mutators = append(r.mutators, h)
	r.mu.Unlock()
}

func (r *Registry) isEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

func (r *Registry) snapshotObservers() []ObservationHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ObservationHook, len(r.observers))
	copy(out, r.observers)
	return out
}

func (r *Registry) snapshotMutators() []MutatingHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MutatingHook, len(r.mutators))
	copy(out, r.mutators)
	return out
}

func (r *Registry) DispatchRequestBefore(req RequestContext) {
	if !r.isEnabled() {
		return
	}
	for _, h := range r.snapshotObservers() {
		h.RequestBefore(req)
	}
}

func (r *Registry) DispatchRequestAfter(req RequestContext, res ResponseContext) {
	if !r.isEnabled() {
		return
	}
	for _, h := range r.snapshotObservers() {
		h.RequestAfter(req, res)
		if res.IsSuccess {
			h.RequestSuccess(req, res)
		} else {
			h.RequestFailed(req, res)
		}
	}
}

func (r *Registry) DispatchResponseChunk(req RequestContext, chunk []byte) {
	if !r.isEnabled() {
		return
	}
	for _, h := range r.snapshotObservers() {
		h.ResponseChunk(req, chunk)
	}
}

func (r *Registry) DispatchResponseComplete(req RequestContext, res ResponseContext) {
	if !r.isEnabled() {
		return
	}
	for _, h := range r.snapshotObservers() {
		h.ResponseComplete(req, res)
	}
}

// ApplyRequestMutators runs every mutating hook's ModifyRequestBody in
// registration order. If a hook returns a replacement, the next hook sees
// the replacement. Returns the final body and whether any hook mutated it.
func (r *Registry) ApplyRequestMutators(body []byte, req RequestContext) ([]byte, bool) {
	modifiedAny := false
	for _, h := range r.snapshotMutators() {
		if replacement, modified := h.ModifyRequestBody(body, req); modified {
			body = replacement
			modifiedAny = true
		}
	}
	return body, modifiedAny
}

// ApplyResponseTextMutators runs every mutating hook's ModifyResponseText in
// registration order, chaining replacements the same way request mutators do.
func (r *Registry) ApplyResponseTextMutators(text string, req RequestContext) (string, bool) {
	modifiedAny := false
	for _, h := range r.snapshotMutators() {
		if replacement, modified := h.ModifyResponseText(text, req); modified {
			text = replacement
			modifiedAny = true
		}
	}
	return text, modifiedAny
}
