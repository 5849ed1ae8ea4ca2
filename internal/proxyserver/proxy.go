package proxyserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	mrequestid "github.com/rakunlabs/ada/middleware/requestid"

	"github.com/rakunlabs/swiftcast/internal/accountstore"
	"github.com/rakunlabs/swiftcast/internal/hooks"
	"github.com/rakunlabs/swiftcast/internal/interceptor"
	"github.com/rakunlabs/swiftcast/internal/router"
	"github.com/rakunlabs/swiftcast/internal/sse"
	"github.com/rakunlabs/swiftcast/internal/webhook"
)

// maxBodyBytes is the 100 MiB inbound body cap (spec §4.5 step 1).
const maxBodyBytes = 100 << 20

// quiescenceDelay lets detached per-chunk appenders land before the final
// ResponseContext is built (spec §4.5 step 12 / §9).
const quiescenceDelay = 100 * time.Millisecond

// hopByHopHeaders are always dropped when building the upstream request
// (spec §4.5 step 9).
var hopByHopHeaders = []string{"Host", "Content-Length", "Connection", "Transfer-Encoding", "Accept-Encoding"}

// canonicalAnthropicHost is the upstream whose inbound auth headers are
// forwarded unchanged; every other upstream gets its auth stripped and
// replaced with the stored account key (spec §6's upstream-auth rule).
const canonicalAnthropicHost = "api.anthropic.com"

// handleProxy is the catch-all reverse-proxy handler implementing spec
// §4.5's twelve steps.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.Header.Get(mrequestid.HeaderXRequestID)

	// Step 1: read + cap the body.
	limited := io.LimitReader(r.Body, maxBodyBytes+1)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		httpResponse(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(bodyBytes) > maxBodyBytes {
		httpResponse(w, "request body exceeds 100 MiB", http.StatusRequestEntityTooLarge)
		return
	}

	var body map[string]any
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &body); err != nil {
			httpResponse(w, fmt.Sprintf("malformed JSON body: %v", err), http.StatusBadRequest)
			return
		}
	}
	if body == nil {
		body = map[string]any{}
	}

	// Step 2: session routing.
	sessionID := router.ResolveSessionID(r.Header)
	decision, err := router.Route(ctx, s.store, sessionID)
	if err != nil {
		writeRouteError(w, err)
		return
	}

	// Step 3: API key lookup.
	apiKey, err := s.store.GetAPIKey(decision.Account.ID)
	if err != nil {
		httpResponse(w, fmt.Sprintf("failed to load api key: %v", err), http.StatusInternalServerError)
		return
	}

	// Step 4: model override rewrite.
	originalModel, _ := body["model"].(string)
	model := originalModel
	if decision.ModelOverride != "" {
		model = decision.ModelOverride
		body["model"] = model
		rewritten, err := json.Marshal(body)
		if err != nil {
			httpResponse(w, fmt.Sprintf("failed to rewrite model: %v", err), http.StatusInternalServerError)
			return
		}
		bodyBytes = rewritten
	}

	// Step 5: session activity bookkeeping, existing routes only. A store
	// failure here is logged and ignored — bookkeeping never fails a
	// request (spec §7).
	if decision.Kind == router.RouteExisting {
		excerpt := lastUserMessageExcerpt(body)
		if err := s.store.UpdateSessionActivity(ctx, sessionID, excerpt); err != nil {
			slog.Debug("session activity update failed", "session_id", sessionID, "error", err)
		}
	}

	// Step 6: RequestContext + conditional request_before dispatch.
	reqCtx := hooks.RequestContext{
		RequestID:   requestID,
		SessionID:   sessionID,
		Model:       model,
		Method:      r.Method,
		Path:        r.URL.Path,
		Body:        body,
		EpochMillis: time.Now().UnixMilli(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	apiLoggingEnabled := true
	// Without a per-session override the mutators run and the compaction
	// injector's own global Enabled flag decides; a false override skips them.
	compactionEnabled := true
	customTasksEnabled := true
	if decision.Kind == router.RouteExisting || decision.Kind == router.RouteNew {
		if sc, err := s.store.GetSessionConfig(ctx, sessionID); err == nil && sc != nil {
			apiLoggingEnabled = sc.APILoggingEnabled
			customTasksEnabled = sc.CustomTasksEnabled
			if sc.CompactionInjectionEnabled != nil {
				compactionEnabled = *sc.CompactionInjectionEnabled
			}
		}
	}

	if apiLoggingEnabled {
		s.hookReg.DispatchRequestBefore(reqCtx)
	}

	// Step 7: conditional mutating hooks.
	if compactionEnabled {
		if replacement, modified := s.hookReg.ApplyRequestMutators(bodyBytes, reqCtx); modified {
			bodyBytes = replacement
		}
	}

	// Step 8: command interceptor short-circuit.
	if customTasksEnabled && s.interceptor != nil {
		if taskName, args, found := interceptor.Detect(body); found {
			result := s.interceptor.Handle(ctx, taskName, args, sessionID, r.URL.Path, model)
			flusher, ok := w.(http.Flusher)
			if !ok {
				httpResponse(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			interceptor.WriteSSE(w, flusher, model, result.Text)
			return
		}
	}

	// Step 9: construct the upstream request.
	upstreamURL := decision.Account.BaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, bytes.NewReader(bodyBytes))
	if err != nil {
		httpResponse(w, fmt.Sprintf("failed to build upstream request: %v", err), http.StatusInternalServerError)
		return
	}
	upstreamReq.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		upstreamReq.Header.Del(h)
	}
	upstreamReq.Header.Set("Content-Length", strconv.Itoa(len(bodyBytes)))

	if isCanonicalAnthropicHost(decision.Account.BaseURL) {
		// Inbound auth headers pass through unchanged; the stored key is
		// not attached.
	} else {
		upstreamReq.Header.Del("X-Api-Key")
		upstreamReq.Header.Del("Authorization")
		upstreamReq.Header.Set("X-Api-Key", apiKey)
	}

	// Step 10: issue upstream.
	resp, err := s.upstreamClient.Do(upstreamReq)
	if err != nil {
		httpResponse(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// Step 11: stream the response back, scanning each chunk.
	for k, vals := range resp.Header {
		if strings.EqualFold(k, "Transfer-Encoding") || strings.EqualFold(k, "Connection") {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	builder := hooks.NewResponseBuilder(resp.StatusCode)
	usageLogged := false

	scanner := sse.New(sse.Handlers{
		OnText: func(text string) {
			builder.AppendText(text)
		},
		OnToolUse: func(tu sse.ToolUse) {
			s.observeToolUse(sessionID, tu)
		},
		OnUsage: func(u sse.Usage) {
			builder.SetUsage(u.InputTokens, u.OutputTokens)
			if u.HasStopReason {
				builder.SetStopReason(u.StopReason)
				s.finishSteps(sessionID, u.StopReason)
			}
			if !usageLogged && (u.InputTokens > 0 || u.OutputTokens > 0) {
				usageLogged = true
				s.logUsageAsync(decision.Account.ID, model, sessionID, resp.StatusCode, u.InputTokens, u.OutputTokens)
			}
		},
	})

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if _, writeErr := w.Write(chunk); writeErr != nil {
				slog.Debug("proxy: write to client failed", "error", writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			scanner.Feed(chunk)
			if apiLoggingEnabled {
				s.hookReg.DispatchResponseChunk(reqCtx, chunk)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				builder.SetError(readErr)
			}
			break
		}
	}

	// Step 12: quiescence delay, then finalize and fan out.
	time.AfterFunc(quiescenceDelay, func() {
		s.finalizeExchange(reqCtx, builder, apiLoggingEnabled, compactionEnabled, sessionID)
	})
}

// finalizeExchange builds the final ResponseContext and fans out the
// completion hooks. Response-text mutators run here for observation/sink
// purposes only (the bytes already reached the client during streaming).
func (s *Server) finalizeExchange(reqCtx hooks.RequestContext, builder *hooks.ResponseBuilder, apiLoggingEnabled, compactionEnabled bool, sessionID string) {
	res := builder.Build()
	if compactionEnabled {
		if replacement, modified := s.hookReg.ApplyResponseTextMutators(res.ResponseText, reqCtx); modified {
			res.ResponseText = replacement
		}
	}

	if !apiLoggingEnabled {
		return
	}

	s.hookReg.DispatchRequestAfter(reqCtx, res)
	s.hookReg.DispatchResponseComplete(reqCtx, res)

	if res.StopReason == "end_turn" {
		s.dispatchSessionComplete(sessionID, res)
	}
}

func (s *Server) dispatchSessionComplete(sessionID string, res hooks.ResponseContext) {
	if s.webhooks == nil || sessionID == "" {
		return
	}
	mapping, err := s.store.GetMappingBySession(context.Background(), sessionID)
	if err != nil || mapping == nil {
		return
	}
	s.webhooks.Dispatch(sessionID, mapping.TodoID, webhook.EventSessionComplete, map[string]any{
		"stop_reason": res.StopReason,
	})
}

// logUsageAsync spawns the usage-row insert as a detached, backpressured
// background task (spec §4.5 step 11 / scheduling constraint).
func (s *Server) logUsageAsync(accountID, model, sessionID string, statusCode, inputTokens, outputTokens int) {
	release, ok := s.tryAcquireBG()
	if !ok {
		slog.Debug("usage log dropped: background task pool saturated", "session_id", sessionID)
		return
	}
	go func() {
		defer release()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.LogUsage(ctx, accountID, model, inputTokens, outputTokens, sessionID, statusCode); err != nil {
			slog.Debug("usage log failed", "session_id", sessionID, "error", err)
			return
		}
		if s.webhooks != nil {
			s.webhooks.Dispatch(sessionID, "", webhook.EventUsageLogged, map[string]any{
				"model":         model,
				"input_tokens":  inputTokens,
				"output_tokens": outputTokens,
			})
		}
	}()
}

// observeToolUse feeds a tool-use observation to the step tracker and fans
// out step_update / ai_question_detected webhooks for whatever it produces.
func (s *Server) observeToolUse(sessionID string, tu sse.ToolUse) {
	if s.steps == nil || sessionID == "" {
		return
	}

	var bashCommand string
	if tu.Name == "Bash" && len(tu.InputJSON) > 0 {
		var input struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(tu.InputJSON, &input); err == nil {
			bashCommand = input.Command
		}
	}

	for _, ev := range s.steps.Observe(sessionID, tu.Name, bashCommand) {
		if s.webhooks != nil {
			s.webhooks.Dispatch(sessionID, "", webhook.EventStepUpdate, map[string]any{
				"phase":    ev.Phase,
				"kind":     ev.Kind,
				"progress": ev.Progress,
			})
		}
	}

	if tu.Name == "AskUserQuestion" && s.webhooks != nil {
		s.webhooks.Dispatch(sessionID, "", webhook.EventAIQuestionDetected, map[string]any{})
	}
}

func (s *Server) finishSteps(sessionID, stopReason string) {
	if s.steps == nil || sessionID == "" {
		return
	}
	event, _ := s.steps.Finish(sessionID, stopReason)
	if event != nil && s.webhooks != nil {
		s.webhooks.Dispatch(sessionID, "", webhook.EventStepUpdate, map[string]any{
			"phase":    event.Phase,
			"kind":     event.Kind,
			"progress": event.Progress,
		})
	}
}

func isCanonicalAnthropicHost(baseURL string) bool {
	return strings.Contains(baseURL, canonicalAnthropicHost)
}

func writeRouteError(w http.ResponseWriter, err error) {
	var acctErr *accountstore.Error
	if errors.As(err, &acctErr) && acctErr.Kind == accountstore.KindNoActiveAcct {
		httpResponse(w, acctErr.Error(), http.StatusServiceUnavailable)
		return
	}
	httpResponse(w, fmt.Sprintf("routing failed: %v", err), http.StatusInternalServerError)
}

// lastUserMessageExcerpt extracts the last role=="user" message's text for
// the session-activity excerpt (spec §4.5 step 5); truncation to 100 code
// points happens in accountstore.
func lastUserMessageExcerpt(body map[string]any) string {
	messages, _ := body["messages"].([]any)
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			return content
		case []any:
			for _, item := range content {
				part, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := part["type"].(string); t == "text" {
					if text, _ := part["text"].(string); text != "" {
						return text
					}
				}
			}
		}
		return ""
	}
	return ""
}
