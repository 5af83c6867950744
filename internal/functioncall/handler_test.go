package functioncall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (f *fakeSender) Send(ctx context.Context, frame map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Frames() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.frames...)
}

func waitForFrames(t *testing.T, sender *fakeSender, n int) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.Frames()) >= n {
			return sender.Frames()
		}
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, len(sender.Frames()), n, "timed out waiting for frames")
	return sender.Frames()
}

func TestHandleArgumentsDeltaAccumulatesBuffer(t *testing.T) {
	h := New(&fakeSender{}, nil, "", nil)
	h.HandleArgumentsDelta("call-1", `{"a":`, "item-1", 0, "resp-1")
	h.HandleArgumentsDelta("call-1", `1}`, "item-1", 0, "resp-1")

	h.mu.Lock()
	buf := h.active["call-1"].argumentsBuffer
	h.mu.Unlock()
	assert.Equal(t, `{"a":1}`, buf)
}

func TestArgumentsDoneDispatchesRegisteredFunction(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil, "verse", nil)

	var gotArgs map[string]interface{}
	h.Register("get_balance", func(ctx context.Context, args map[string]interface{}) (Result, error) {
		gotArgs = args
		return Result{"balance": 42}, nil
	})

	h.PreRegister("call-1", "get_balance", 0)
	h.HandleArgumentsDone(context.Background(), "call-1", `{"account_id":"123"}`)

	frames := waitForFrames(t, sender, 2)
	require.Len(t, frames, 2)
	assert.Equal(t, "conversation.item.create", frames[0]["type"])
	assert.Equal(t, "response.create", frames[1]["type"])
	assert.Equal(t, "123", gotArgs["account_id"])

	assert.Empty(t, h.ActiveCallIDs())
}

func TestArgumentsDoneUnknownFunctionSendsErrorOutput(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil, "", nil)

	h.PreRegister("call-1", "does_not_exist", 0)
	h.HandleArgumentsDone(context.Background(), "call-1", `{}`)

	frames := waitForFrames(t, sender, 1)
	require.GreaterOrEqual(t, len(frames), 1)
	assert.Equal(t, "conversation.item.create", frames[0]["type"])
}

func TestArgumentsDoneForUnknownCallIDIsDropped(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil, "", nil)
	h.HandleArgumentsDone(context.Background(), "never-registered", `{}`)
	assert.Empty(t, sender.Frames())
}

func TestShouldHangUpRules(t *testing.T) {
	h := New(&fakeSender{}, nil, "", nil)

	assert.True(t, h.ShouldHangUp("anything", Result{"next_action": "end_call"}))
	assert.True(t, h.ShouldHangUp("wrap_up", Result{}))
	assert.True(t, h.ShouldHangUp("transfer_to_human", Result{}))
	assert.True(t, h.ShouldHangUp("custom", Result{"context": map[string]interface{}{"stage": "call_complete"}}))
	assert.True(t, h.ShouldHangUp("custom", Result{"context": map[string]interface{}{"stage": "human_transfer"}}))
	assert.False(t, h.ShouldHangUp("get_balance", Result{}))
}

func TestHangUpReason(t *testing.T) {
	assert.Equal(t, "Call completed successfully - all tasks finished", HangUpReason("wrap_up", Result{}))
	assert.Equal(t,
		"Transferred to human agent - Reference: ref-123",
		HangUpReason("transfer_to_human", Result{"transfer_id": "ref-123"}))
	assert.Equal(t, "Call ended after custom_fn completion", HangUpReason("custom_fn", Result{}))
}

func TestOnHangUpCandidateInvokedInsteadOfResponseCreate(t *testing.T) {
	sender := &fakeSender{}
	h := New(sender, nil, "", nil)

	candidateCh := make(chan string, 1)
	h.OnHangUpCandidate = func(functionName string, result Result) {
		candidateCh <- functionName
	}
	h.Register("wrap_up", func(ctx context.Context, args map[string]interface{}) (Result, error) {
		return Result{}, nil
	})

	h.PreRegister("call-1", "wrap_up", 0)
	h.HandleArgumentsDone(context.Background(), "call-1", `{}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case name := <-candidateCh:
		assert.Equal(t, "wrap_up", name)
	case <-ctx.Done():
		t.Fatal("timed out waiting for hang-up candidate")
	}

	frames := sender.Frames()
	for _, f := range frames {
		assert.NotEqual(t, "response.create", f["type"])
	}
}
