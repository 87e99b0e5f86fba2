// Package trace implements the live trace bus: a bounded ring buffer
// of formatted log lines fanned out to connected subscribers, plus
// the lossless per-request TraceEvent vector handed to the external
// log persistor on completion.
package trace

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Stage is one state-machine transition of a routed request.
type Stage string

const (
	StageReqReceived    Stage = "REQ_RECEIVED"
	StageRouterStart    Stage = "ROUTER_START"
	StageRouterEnd      Stage = "ROUTER_END"
	StageRouterFail     Stage = "ROUTER_FAIL"
	StageModelCallStart Stage = "MODEL_CALL_START"
	StageFirstToken     Stage = "FIRST_TOKEN"
	StageFullResponse   Stage = "FULL_RESPONSE"
	StageModelFail      Stage = "MODEL_FAIL"
	StageAllFailed      Stage = "ALL_FAILED"
)

// stageLabels is the fixed translation table for the trace line
// format; kept as constants so formatted lines stay bit-stable.
var stageLabels = map[Stage]string{
	StageReqReceived:    "请求接收",
	StageRouterStart:    "路由开始",
	StageRouterEnd:      "路由完成",
	StageRouterFail:     "路由失败",
	StageModelCallStart: "尝试模型",
	StageFirstToken:     "首字响应",
	StageFullResponse:   "完整响应",
	StageModelFail:      "模型失败",
	StageAllFailed:      "全部失败",
}

var statusLabels = map[string]string{
	"success": "成功",
	"fail":    "失败",
}

// Event is one immutable TraceEvent in a request's trace vector.
type Event struct {
	Stage      Stage
	Timestamp  time.Time
	DurationMs float64
	Status     string
	RetryCount int
	Model      string
	Reason     string
	Details    string
	TraceID    string
}

func (e Event) format() string {
	stageLabel, ok := stageLabels[e.Stage]
	if !ok {
		stageLabel = string(e.Stage)
	}
	statusLabel, ok := statusLabels[e.Status]
	if !ok {
		statusLabel = e.Status
	}

	shortID := e.TraceID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	line := fmt.Sprintf("[%s] 【%s】 %s (耗时: %.0fms) [重试: %d]",
		e.Timestamp.Format("15:04:05.000"), stageLabel, statusLabel, e.DurationMs, e.RetryCount)
	if e.Details != "" {
		line += " | " + e.Details
	}
	line += " <" + shortID + ">"
	return line
}

// Subscriber receives formatted lines. Send must never block the
// producer; a full/blocked subscriber is disconnected.
type Subscriber struct {
	ch     chan string
	closed bool
}

// Bus is the process-wide live trace stream.
type Bus struct {
	mu          sync.Mutex
	buffer      []string
	maxLines    int
	replayLines int
	subscribers map[*Subscriber]struct{}
	out         *os.File
}

// NewBus creates a Bus with the standard 10 000-line buffer and
// 1 000-line replay window, writing formatted lines to stdout.
func NewBus() *Bus {
	return &Bus{
		maxLines:    10000,
		replayLines: 1000,
		subscribers: map[*Subscriber]struct{}{},
		out:         os.Stdout,
	}
}

// Emit formats ev, appends it to the ring buffer, writes it to
// stdout, and fans it out non-blockingly to every subscriber.
func (b *Bus) Emit(ev Event) {
	line := ev.format()

	b.mu.Lock()
	b.buffer = append(b.buffer, line)
	if len(b.buffer) > b.maxLines {
		b.buffer = b.buffer[len(b.buffer)-b.maxLines:]
	}
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	fmt.Fprintln(b.out, line)

	for _, s := range subs {
		select {
		case s.ch <- line:
		default:
			b.Unsubscribe(s)
		}
	}
}

// Subscribe registers a new subscriber and immediately replays the
// last replayLines buffered lines to it. The channel holds the whole
// replay plus bufferSize lines of headroom for live events.
func (b *Bus) Subscribe(bufferSize int) *Subscriber {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	b.mu.Lock()
	start := 0
	if len(b.buffer) > b.replayLines {
		start = len(b.buffer) - b.replayLines
	}
	replay := b.buffer[start:]
	s := &Subscriber{ch: make(chan string, len(replay)+bufferSize)}
	for _, line := range replay {
		s.ch <- line
	}
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()

	return s
}

// Unsubscribe removes and closes a subscriber. Safe to call more than
// once.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; !ok {
		return
	}
	delete(b.subscribers, s)
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Lines returns the subscriber's channel of formatted lines.
func (s *Subscriber) Lines() <-chan string {
	return s.ch
}

// Recorder accumulates one request's lossless TraceEvent vector and
// forwards each event to the live Bus.
type Recorder struct {
	bus     *Bus
	traceID string
	mu      sync.Mutex
	events  []Event
}

// NewRecorder creates a Recorder for one request, bound to bus (which
// may be nil to discard live emission, e.g. in tests).
func NewRecorder(bus *Bus, traceID string) *Recorder {
	return &Recorder{bus: bus, traceID: traceID}
}

// Record appends ev (with TraceID filled in) to the request's vector
// and emits it to the live bus.
func (r *Recorder) Record(ev Event) {
	ev.TraceID = r.traceID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(ev)
	}
}

// Events returns the accumulated TraceEvent vector in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
