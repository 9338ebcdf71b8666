package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/whisper/pairing/internal/protocol"
)

type sentMsg struct {
	event   string
	payload interface{}
}

type fakeTransport struct {
	mu           sync.Mutex
	handlers     map[string]Handler
	onDisconnect func(error)
	sent         []sentMsg
	connects     int
	connectErr   func(attempt int) error
	down         bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]Handler)}
}

func (t *fakeTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		if err := t.connectErr(t.connects); err != nil {
			return err
		}
	}
	t.down = false
	return nil
}

func (t *fakeTransport) Send(event string, payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.down {
		return ErrNotConnected
	}
	t.sent = append(t.sent, sentMsg{event, payload})
	return nil
}

func (t *fakeTransport) On(event string, h Handler) {
	t.mu.Lock()
	t.handlers[event] = h
	t.mu.Unlock()
}

func (t *fakeTransport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error { return nil }

// deliver simulates a server push.
func (t *fakeTransport) deliver(event string, payload interface{}) {
	t.mu.Lock()
	h := t.handlers[event]
	t.mu.Unlock()
	if h != nil {
		h(protocol.MustServerMessage(event, payload))
	}
}

func (t *fakeTransport) drop() {
	t.mu.Lock()
	t.down = true
	fn := t.onDisconnect
	t.mu.Unlock()
	fn(errors.New("connection reset"))
}

func (t *fakeTransport) count(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.sent {
		if m.event == event {
			n++
		}
	}
	return n
}

func (t *fakeTransport) last(event string) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].event == event {
			return t.sent[i].payload, true
		}
	}
	return nil, false
}

func (t *fakeTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

type fakeStream struct {
	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakeMedia fails with the queued errors, then succeeds.
type fakeMedia struct {
	mu          sync.Mutex
	errs        []error
	constraints []Constraints
	streams     []*fakeStream
}

func (m *fakeMedia) Acquire(_ context.Context, c Constraints) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = append(m.constraints, c)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) lastStream() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

type fakePeer struct {
	mu         sync.Mutex
	closed     bool
	offers     int
	answers    []json.RawMessage
	candidates []json.RawMessage
	ready      bool
}

func (p *fakePeer) CreateOffer() (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (p *fakePeer) HandleOffer(json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (p *fakePeer) HandleAnswer(a json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, a)
	return nil
}

func (p *fakePeer) AddICECandidate(c json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(func(json.RawMessage)) {}

func (p *fakePeer) RemoteVideoReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type peerFactory struct {
	mu       sync.Mutex
	peers    []*fakePeer
	notReady bool
}

func (f *peerFactory) New(MediaStream) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{ready: !f.notReady}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// fakeDetector returns class on every call.
type fakeDetector struct {
	mu    sync.Mutex
	class string
	calls int
}

func (d *fakeDetector) Detect(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.class, nil
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) notify(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func (r *recorder) states() []State {
	var out []State
	for _, n := range r.all() {
		if n.Type == NotifyState {
			out = append(out, n.Status.State)
		}
	}
	return out
}

func (r *recorder) last(typ NotificationType) (Notification, bool) {
	notes := r.all()
	for i := len(notes) - 1; i >= 0; i-- {
		if notes[i].Type == typ {
			return notes[i], true
		}
	}
	return Notification{}, false
}
