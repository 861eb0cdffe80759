package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/convoy/internal/events"
	"github.com/user/convoy/internal/protocol"
	"github.com/user/convoy/internal/protocol/anthropic"
)

type recorder struct {
	mu      sync.Mutex
	names   []string
	failAt  int
	written int
}

func (r *recorder) Write(ctx context.Context, f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written++
	if r.failAt > 0 && r.written >= r.failAt {
		return errors.New("broken pipe")
	}
	r.names = append(r.names, f.Event)
	return nil
}

func (r *recorder) mark(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, s)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func emitAll(evs ...events.Event) Producer {
	return func(ctx context.Context, out events.Emitter) error {
		for _, ev := range evs {
			if err := out.Emit(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}
}

func binding() protocol.Binding {
	return anthropic.New("msg_1", "test", "conv-1")
}

func TestRunPersistsBeforeTurnStop(t *testing.T) {
	sink := &recorder{}
	var calls int32
	turn := Turn{ConversationID: "conv-1", Persist: func(ctx context.Context, tr *Transcript) error {
		atomic.AddInt32(&calls, 1)
		sink.mark("persist")
		assert.Equal(t, StatusCompleted, tr.Status)
		require.Len(t, tr.Entries, 1)
		assert.Equal(t, "Hi there", tr.Entries[0].Text)
		return nil
	}}

	tr, out := NewSession(8, nil).Run(context.Background(), turn,
		emitAll(events.Text{Text: "Hi"}, events.Text{Text: " there"}, events.Done{StopReason: events.StopEndTurn}),
		binding(), sink)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop", "persist", "message_delta", "message_stop",
	}, sink.got())
	assert.Len(t, tr.Messages(time.Now()), 1)
}

func TestRunSourceClosedWithoutDone(t *testing.T) {
	sink := &recorder{}
	_, out := NewSession(8, nil).Run(context.Background(), Turn{}, emitAll(events.Text{Text: "x"}), binding(), sink)
	assert.Equal(t, StatusCompleted, out.Status)
	got := sink.got()
	require.NotEmpty(t, got)
	assert.Equal(t, "message_stop", got[len(got)-1])
}

func TestRunProducerErrorBecomesErrorEvent(t *testing.T) {
	sink := &recorder{}
	var persisted *Transcript
	turn := Turn{Persist: func(ctx context.Context, tr *Transcript) error {
		persisted = tr
		return nil
	}}
	producer := func(ctx context.Context, out events.Emitter) error {
		if err := out.Emit(ctx, events.Text{Text: "partial"}); err != nil {
			return err
		}
		return errors.New("model unavailable")
	}

	_, out := NewSession(8, nil).Run(context.Background(), turn, producer, binding(), sink)
	assert.Equal(t, StatusFailed, out.Status)
	assert.EqualError(t, out.Err, "model unavailable")
	assert.Equal(t, []string{"message_start", "content_block_start", "content_block_delta", "error"}, sink.got())
	require.NotNil(t, persisted)
	assert.Equal(t, StatusFailed, persisted.Status)
}

func TestRunPointerErrorEvent(t *testing.T) {
	sink := &recorder{}
	_, out := NewSession(8, nil).Run(context.Background(), Turn{},
		emitAll(events.Text{Text: "partial"}, &events.Error{Message: "boom"}), binding(), sink)
	assert.Equal(t, StatusFailed, out.Status)
	assert.EqualError(t, out.Err, "boom")
	assert.Equal(t, []string{"message_start", "content_block_start", "content_block_delta", "error"}, sink.got())
}

func TestRunPointerDoneEvent(t *testing.T) {
	sink := &recorder{}
	_, out := NewSession(8, nil).Run(context.Background(), Turn{},
		emitAll(events.Text{Text: "cut"}, &events.Done{StopReason: events.StopMaxTokens}), binding(), sink)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, events.StopMaxTokens, out.StopReason)
	assert.Equal(t, []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"}, sink.got())
}

func TestRunTimeoutClosesBlocksThenErrors(t *testing.T) {
	sink := &recorder{}
	var calls int32
	turn := Turn{Timeout: 50 * time.Millisecond, Persist: func(ctx context.Context, tr *Transcript) error {
		atomic.AddInt32(&calls, 1)
		assert.NoError(t, ctx.Err())
		assert.Equal(t, StatusTimedOut, tr.Status)
		return nil
	}}
	producer := func(ctx context.Context, out events.Emitter) error {
		if err := out.Emit(ctx, events.Text{Text: "slow"}); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}

	_, out := NewSession(8, nil).Run(context.Background(), turn, producer, binding(), sink)
	assert.Equal(t, StatusTimedOut, out.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "error"}, sink.got())
}

func TestRunSinkFailureCancelsProducer(t *testing.T) {
	sink := &recorder{failAt: 3}
	cancelled := make(chan struct{})
	var calls int32
	turn := Turn{Persist: func(ctx context.Context, tr *Transcript) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, StatusDisconnected, tr.Status)
		return nil
	}}
	producer := func(ctx context.Context, out events.Emitter) error {
		for {
			if err := out.Emit(ctx, events.Text{Text: "tok "}); err != nil {
				close(cancelled)
				return err
			}
		}
	}

	_, out := NewSession(1, nil).Run(context.Background(), turn, producer, binding(), sink)
	assert.Equal(t, StatusDisconnected, out.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("producer was not cancelled")
	}
	assert.Equal(t, []string{"message_start", "content_block_start"}, sink.got())
}

func TestRunConsumerCancellation(t *testing.T) {
	sink := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	turn := Turn{Persist: func(pctx context.Context, tr *Transcript) error {
		atomic.AddInt32(&calls, 1)
		assert.NoError(t, pctx.Err())
		return nil
	}}
	producer := func(pctx context.Context, out events.Emitter) error {
		if err := out.Emit(pctx, events.Text{Text: "hello"}); err != nil {
			return err
		}
		time.Sleep(20 * time.Millisecond)
		cancel()
		<-pctx.Done()
		return pctx.Err()
	}

	_, out := NewSession(8, nil).Run(ctx, turn, producer, binding(), sink)
	assert.Equal(t, StatusDisconnected, out.Status)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRunPersistFailureSurfacesFault(t *testing.T) {
	sink := &recorder{}
	turn := Turn{Persist: func(ctx context.Context, tr *Transcript) error {
		return errors.New("checkpoint version conflict")
	}}
	_, out := NewSession(8, nil).Run(context.Background(), turn, emitAll(events.Text{Text: "a"}, events.Done{}), binding(), sink)

	assert.Equal(t, StatusCompleted, out.Status)
	assert.Error(t, out.PersistErr)
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta", "content_block_stop",
		anthropic.EventFault, "message_delta", "message_stop",
	}, sink.got())
}

func TestRunPureToolTurn(t *testing.T) {
	sink := &recorder{}
	tr, out := NewSession(8, nil).Run(context.Background(), Turn{}, emitAll(
		events.ToolUse{Name: "calculator"},
		events.ToolInputFragment{Name: "calculator", Fragment: `{"expr":"2+2"}`, IsLast: true},
		events.ToolResult{Name: "calculator", Result: "4"},
		events.Done{},
	), binding(), sink)

	assert.Equal(t, StatusCompleted, out.Status)
	got := sink.got()
	assert.Equal(t, "message_start", got[0])
	assert.Equal(t, "message_stop", got[len(got)-1])

	msgs := tr.Messages(time.Now())
	require.Len(t, msgs, 1)
	assert.Equal(t, "calculator", msgs[0].ToolName)
	assert.Equal(t, `{"expr":"2+2"}`, msgs[0].Text)
	assert.Equal(t, "4", msgs[0].ToolResult)
}
