package hooks

import (
	"sync"
	"testing"
)

type recordingObserver struct {
	name string

	mu      sync.Mutex
	calls   []string
	success bool
	failed  bool
}

func (o *recordingObserver) Name() string { return o.name }
func (o *recordingObserver) RequestBefore(req RequestContext) {
	o.mu.Lock()
	o.calls = append(o.calls, "before")
	o.mu.Unlock()
}
func (o *recordingObserver) RequestAfter(req RequestContext, res ResponseContext) {
	o.mu.Lock()
	o.calls = append(o.calls, "after")
	o.mu.Unlock()
}
func (o *recordingObserver) RequestSuccess(req RequestContext, res ResponseContext) {
	o.mu.Lock()
	o.calls = append(o.calls, "success")
	o.success = true
	o.mu.Unlock()
}
func (o *recordingObserver) RequestFailed(req RequestContext, res ResponseContext) {
	o.mu.Lock()
	o.calls = append(o.calls, "failed")
	o.failed = true
	o.mu.Unlock()
}
func (o *recordingObserver) ResponseChunk(req RequestContext, chunk []byte) {
	o.mu.Lock()
	o.calls = append(o.calls, "chunk")
	o.mu.Unlock()
}
func (o *recordingObserver) ResponseComplete(req RequestContext, res ResponseContext) {
	o.mu.Lock()
	o.calls = append(o.calls, "complete")
	o.mu.Unlock()
}

type prefixMutator struct {
	name   string
	prefix string
}

func (m *prefixMutator) Name() string { return m.name }
func (m *prefixMutator) ModifyRequestBody(body []byte, req RequestContext) ([]byte, bool) {
	return append([]byte(m.prefix), body...), true
}
func (m *prefixMutator) ModifyResponseText(text string, req RequestContext) (string, bool) {
	return m.prefix + text, true
}

type noopMutator struct{ name string }

func (m *noopMutator) Name() string { return m.name }
func (m *noopMutator) ModifyRequestBody(body []byte, req RequestContext) ([]byte, bool) {
	return nil, false
}
func (m *noopMutator) ModifyResponseText(text string, req RequestContext) (string, bool) {
	return "", false
}

func TestDispatchRequestAfter_SuccessVsFailed(t *testing.T) {
	reg := NewRegistry(true)
	obs := &recordingObserver{name: "obs"}
	reg.RegisterObserver(obs)

	reg.DispatchRequestAfter(RequestContext{}, ResponseContext{IsSuccess: true})
	if !obs.success || obs.failed {
		t.Fatalf("expected RequestSuccess only, got success=%v failed=%v", obs.success, obs.failed)
	}

	obs.success, obs.failed = false, false
	reg.DispatchRequestAfter(RequestContext{}, ResponseContext{IsSuccess: false})
	if obs.success || !obs.failed {
		t.Fatalf("expected RequestFailed only, got success=%v failed=%v", obs.success, obs.failed)
	}
}

func TestDispatchOrder(t *testing.T) {
	reg := NewRegistry(true)
	obs := &recordingObserver{name: "obs"}
	reg.RegisterObserver(obs)

	reg.DispatchRequestBefore(RequestContext{})
	reg.DispatchResponseChunk(RequestContext{}, []byte("x"))
	reg.DispatchRequestAfter(RequestContext{}, ResponseContext{IsSuccess: true})
	reg.DispatchResponseComplete(RequestContext{}, ResponseContext{})

	want := []string{"before", "chunk", "after", "success", "complete"}
	if len(obs.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", obs.calls, want)
	}
	for i, c := range want {
		if obs.calls[i] != c {
			t.Fatalf("calls[%d] = %q, want %q (full: %v)", i, obs.calls[i], c, obs.calls)
		}
	}
}

func TestDispatch_DisabledRegistrySkipsEverything(t *testing.T) {
	reg := NewRegistry(false)
	obs := &recordingObserver{name: "obs"}
	reg.RegisterObserver(obs)

	reg.DispatchRequestBefore(RequestContext{})
	reg.DispatchRequestAfter(RequestContext{}, ResponseContext{IsSuccess: true})
	reg.DispatchResponseChunk(RequestContext{}, []byte("x"))
	reg.DispatchResponseComplete(RequestContext{}, ResponseContext{})

	if len(obs.calls) != 0 {
		t.Fatalf("expected no dispatch while disabled, got %v", obs.calls)
	}
}

func TestDispatch_SetEnabledTogglesAtRuntime(t *testing.T) {
	reg := NewRegistry(false)
	obs := &recordingObserver{name: "obs"}
	reg.RegisterObserver(obs)

	reg.DispatchRequestBefore(RequestContext{})
	if len(obs.calls) != 0 {
		t.Fatalf("expected no dispatch before enabling, got %v", obs.calls)
	}

	reg.SetEnabled(true)
	reg.DispatchRequestBefore(RequestContext{})
	if len(obs.calls) != 1 {
		t.Fatalf("expected one dispatch after enabling, got %v", obs.calls)
	}
}

func TestApplyRequestMutators_ChainsInRegistrationOrder(t *testing.T) {
	reg := NewRegistry(true)
	reg.RegisterMutator(&prefixMutator{name: "a", prefix: "A:"})
	reg.RegisterMutator(&prefixMutator{name: "b", prefix: "B:"})

	out, modified := reg.ApplyRequestMutators([]byte("body"), RequestContext{})
	if !modified {
		t.Fatal("expected modified=true")
	}
	if string(out) != "B:A:body" {
		t.Fatalf("got %q, want %q", out, "B:A:body")
	}
}

func TestApplyRequestMutators_NoopMutatorReturnsUnmodified(t *testing.T) {
	reg := NewRegistry(true)
	reg.RegisterMutator(&noopMutator{name: "noop"})

	out, modified := reg.ApplyRequestMutators([]byte("body"), RequestContext{})
	if modified {
		t.Fatal("expected modified=false")
	}
	if string(out) != "body" {
		t.Fatalf("got %q, want unchanged body", out)
	}
}

func TestApplyResponseTextMutators_Chains(t *testing.T) {
	reg := NewRegistry(true)
	reg.RegisterMutator(&prefixMutator{name: "a", prefix: "A:"})

	out, modified := reg.ApplyResponseTextMutators("hello", RequestContext{})
	if !modified || out != "A:hello" {
		t.Fatalf("got (%q, %v), want (%q, true)", out, modified, "A:hello")
	}
}

func TestResponseBuilder_BuildReflectsAccumulatedState(t *testing.T) {
	b := NewResponseBuilder(200)
	b.AppendText("hello ")
	b.AppendText("world")
	b.SetUsage(10, 20)
	b.SetStopReason("end_turn")

	res := b.Build()
	if res.ResponseText != "hello world" {
		t.Fatalf("ResponseText = %q, want %q", res.ResponseText, "hello world")
	}
	if res.InputTokens != 10 || res.OutputTokens != 20 {
		t.Fatalf("tokens = (%d, %d), want (10, 20)", res.InputTokens, res.OutputTokens)
	}
	if res.StopReason != "end_turn" {
		t.Fatalf("StopReason = %q, want end_turn", res.StopReason)
	}
	if !res.IsSuccess {
		t.Fatal("expected IsSuccess=true for status 200 with no error")
	}
}

func TestResponseBuilder_ErrorMarksFailure(t *testing.T) {
	b := NewResponseBuilder(200)
	b.SetError(errTest{})

	res := b.Build()
	if res.IsSuccess {
		t.Fatal("expected IsSuccess=false once an error is set")
	}
	if res.ErrorMessage != "boom" {
		t.Fatalf("ErrorMessage = %q, want boom", res.ErrorMessage)
	}
}

func TestResponseBuilder_StatusAbove400MarksFailure(t *testing.T) {
	b := NewResponseBuilder(500)
	res := b.Build()
	if res.IsSuccess {
		t.Fatal("expected IsSuccess=false for a 5xx status")
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }

func TestRegisterObserver_ConcurrentDispatchIsRaceFree(t *testing.T) {
	reg := NewRegistry(true)
	obs := &recordingObserver{name: "obs"}
	reg.RegisterObserver(obs)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.DispatchRequestBefore(RequestContext{})
		}()
	}
	wg.Wait()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.calls) != 20 {
		t.Fatalf("got %d calls, want 20", len(obs.calls))
	}
}
