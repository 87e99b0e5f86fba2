package trace

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discard(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestRecorderAccumulatesEventsInOrder(t *testing.T) {
	rec := NewRecorder(nil, "abc123")
	rec.Record(Event{Stage: StageReqReceived, Status: "success"})
	rec.Record(Event{Stage: StageModelCallStart, Status: "success", Model: "gpt-4"})

	events := rec.Events()
	require.Len(t, events, 2)
	require.Equal(t, StageReqReceived, events[0].Stage)
	require.Equal(t, StageModelCallStart, events[1].Stage)
	require.Equal(t, "abc123", events[1].TraceID)
}

func TestBusReplaysRecentLinesOnSubscribe(t *testing.T) {
	bus := NewBus()
	bus.out = discard(t)

	for i := 0; i < 5; i++ {
		bus.Emit(Event{Stage: StageModelCallStart, Status: "success", TraceID: "t1", Model: "gpt-4"})
	}

	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	received := 0
	timeout := time.After(time.Second)
	for received < 5 {
		select {
		case <-sub.Lines():
			received++
		case <-timeout:
			t.Fatalf("timed out waiting for replay, got %d/5", received)
		}
	}
}

func TestBusFanOutDeliversNewEvents(t *testing.T) {
	bus := NewBus()
	bus.out = discard(t)

	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	bus.Emit(Event{Stage: StageFullResponse, Status: "success", TraceID: "t2"})

	select {
	case line := <-sub.Lines():
		require.Contains(t, line, "完整响应")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emitted line")
	}
}

func TestBusEvictsOldestBeyondCapacity(t *testing.T) {
	bus := NewBus()
	bus.out = discard(t)
	bus.maxLines = 3

	for i := 0; i < 5; i++ {
		bus.Emit(Event{Stage: StageModelCallStart, Status: "success", TraceID: "t3"})
	}

	require.Len(t, bus.buffer, 3)
}

func TestEventFormatIncludesShortTraceID(t *testing.T) {
	ev := Event{Stage: StageAllFailed, Status: "fail", TraceID: "0123456789abcdef", DurationMs: 42, RetryCount: 2, Details: "所有 2 个模型尝试均失败"}
	line := ev.format()
	require.Contains(t, line, "<01234567>")
	require.Contains(t, line, "全部失败")
	require.Contains(t, line, "失败")
	require.Contains(t, line, "[重试: 2]")
}
