package matching

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/eligibility"
	"github.com/whisper/pairing/internal/pool"
	"github.com/whisper/pairing/internal/profile"
	"github.com/whisper/pairing/internal/session"
	"github.com/whisper/pairing/internal/session/sessiontest"
)

type countingGate struct {
	mu    sync.Mutex
	calls int
	inner Gate
}

func (g *countingGate) IsEligible(a, b eligibility.Subject) bool {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.inner == nil {
		return true
	}
	return g.inner.IsEligible(a, b)
}

// flakyHandle reports alive on its first check only.
type flakyHandle struct {
	*sessiontest.Handle
	mu     sync.Mutex
	checks int
}

func (h *flakyHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks++
	return h.checks == 1
}

func newTestMatcher(gate Gate) (*Matcher, *session.Registry) {
	reg := session.NewRegistry(nil)
	m := New(reg, gate, WithRand(rand.New(rand.NewSource(7))), WithClock(func() time.Time { return testNow }))
	return m, reg
}

func request(id, identity, preference, region string) Request {
	return Request{
		ParticipantID: id,
		Handle:        sessiontest.NewHandle(id),
		Identity:      identity,
		Preference:    preference,
		Region:        region,
	}
}

func TestRequestMatch_EveryoneMatchesWaitingParticipant(t *testing.T) {
	m, reg := newTestMatcher(nil)

	res, err := m.RequestMatch(request("B", "female", "everyone", "Global"))
	require.NoError(t, err)
	assert.Nil(t, res, "empty pool queues the requester")
	assert.True(t, m.Waiting("B"))

	res, err = m.RequestMatch(request("A", "male", "everyone", "Global"))
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.True(t, res.Session.Has("A"))
	assert.True(t, res.Session.Has("B"))
	assert.Equal(t, "A", res.Initiator.ParticipantID)
	assert.Equal(t, "B", res.Responder.ParticipantID)
	assert.Equal(t, 0, m.QueueSize(), "both leave the pool")

	s, ok := reg.ActiveFor("B")
	require.True(t, ok)
	assert.Equal(t, res.Session.ID, s.ID)
}

func TestRequestMatch_MutualBlockQueuesRequester(t *testing.T) {
	store := profile.NewMemoryStore()
	require.NoError(t, store.Block(context.Background(), "B", "A"))
	m, reg := newTestMatcher(eligibility.NewGate(store, nil))

	_, err := m.RequestMatch(request("B", "female", "everyone", "Global"))
	require.NoError(t, err)

	res, err := m.RequestMatch(request("A", "male", "everyone", "Global"))
	require.NoError(t, err)
	assert.Nil(t, res)

	assert.True(t, m.Waiting("B"), "B is still waiting")
	assert.True(t, m.Waiting("A"), "A was enqueued")
	assert.Equal(t, 0, reg.Count())
}

func TestRequestMatch_EveryoneScoresWholePoolOnce(t *testing.T) {
	gate := &countingGate{}
	m, _ := newTestMatcher(gate)

	identities := []string{"female", "male", "nonbinary", "", "other"}
	for i := 0; i < 50; i++ {
		e := poolEntry(fmt.Sprintf("w%02d", i), sessiontest.NewHandle(fmt.Sprintf("w%02d", i)))
		e.Identity = identities[i%len(identities)]
		e.Region = fmt.Sprintf("R%d", i)
		m.pool.Enqueue(e)
	}

	res, err := m.RequestMatch(request("seeker", "x", "everyone", "Mars"))
	require.NoError(t, err)
	require.NotNil(t, res, "an everyone preference always finds someone")
	assert.Equal(t, 50, gate.calls, "one eligibility check per pool member")
}

func TestRequestMatch_PrefersCompatibleCandidates(t *testing.T) {
	m, _ := newTestMatcher(nil)

	for i := 0; i < 9; i++ {
		e := poolEntry(fmt.Sprintf("other%d", i), sessiontest.NewHandle(fmt.Sprintf("other%d", i)))
		e.Identity = "male"
		e.Region = fmt.Sprintf("R%d", i)
		m.pool.Enqueue(e)
	}
	best := poolEntry("best", sessiontest.NewHandle("best"))
	best.Identity = "female"
	best.Region = "EU"
	m.pool.Enqueue(best)

	// Pool of 10 gives a top slice of 3: best (10+10+3) then two ties at 2+3.
	res, err := m.RequestMatch(request("A", "male", "female", "EU"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Contains(t, []string{"best", "other0", "other1"}, res.Responder.ParticipantID)
}

func TestRequestMatch_RequeueEndsPriorSession(t *testing.T) {
	m, reg := newTestMatcher(nil)

	a := request("A", "x", "everyone", "Global")
	b := request("B", "x", "everyone", "Global")
	_, err := m.RequestMatch(b)
	require.NoError(t, err)
	res, err := m.RequestMatch(a)
	require.NoError(t, err)
	require.NotNil(t, res)

	// A asks for a new partner while paired with B.
	res2, err := m.RequestMatch(a)
	require.NoError(t, err)
	assert.Nil(t, res2)

	_, ok := reg.Get(res.Session.ID)
	assert.False(t, ok, "prior session ended")
	assert.Equal(t, 1, b.Handle.(*sessiontest.Handle).Count("session_ended"))
	assert.True(t, m.Waiting("A"))
}

// stuckHandle blocks every Send until released, like a client that stopped
// reading its socket.
type stuckHandle struct {
	*sessiontest.Handle
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStuckHandle(id string) *stuckHandle {
	return &stuckHandle{
		Handle:  sessiontest.NewHandle(id),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *stuckHandle) Send(data []byte) error {
	h.once.Do(func() { close(h.entered) })
	<-h.release
	return h.Handle.Send(data)
}

func TestRequestMatch_SlowPartnerDoesNotStallOtherRequests(t *testing.T) {
	m, reg := newTestMatcher(nil)

	slow := newStuckHandle("S")
	b := request("B", "x", "everyone", "Global")
	_, err := reg.Create(slow, b.Handle)
	require.NoError(t, err)

	requeued := make(chan error, 1)
	go func() {
		_, err := m.RequestMatch(b)
		requeued <- err
	}()

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("session_ended never reached the old partner")
	}

	// B is already waiting even though S has not taken the notification.
	assert.True(t, m.Waiting("B"))

	unrelated := make(chan *Result, 1)
	go func() {
		res, err := m.RequestMatch(request("C", "x", "everyone", "Global"))
		assert.NoError(t, err)
		unrelated <- res
	}()

	select {
	case res := <-unrelated:
		require.NotNil(t, res)
		assert.True(t, res.Session.Has("C"))
		assert.True(t, res.Session.Has("B"))
	case <-time.After(time.Second):
		t.Fatal("RequestMatch blocked behind a stuck partner")
	}

	close(slow.release)
	require.NoError(t, <-requeued)
	assert.Equal(t, 1, slow.Count("session_ended"))
}

func TestRequestMatch_RejoinReplacesEntry(t *testing.T) {
	m, _ := newTestMatcher(nil)
	r := request("A", "x", "everyone", "Global")

	_, err := m.RequestMatch(r)
	require.NoError(t, err)
	_, err = m.RequestMatch(r)
	require.NoError(t, err)

	assert.Equal(t, 1, m.QueueSize(), "a participant never matches with themself")
}

func TestRequestMatch_SkipsDeadHandles(t *testing.T) {
	m, reg := newTestMatcher(nil)

	dead := request("dead", "x", "everyone", "Global")
	_, err := m.RequestMatch(dead)
	require.NoError(t, err)
	dead.Handle.(*sessiontest.Handle).Close()

	res, err := m.RequestMatch(request("A", "x", "everyone", "Global"))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, m.Waiting("dead"))
	assert.Equal(t, 0, reg.Count())
}

func TestRequestMatch_RetriesOnceWhenCandidateGoesStale(t *testing.T) {
	m, _ := newTestMatcher(nil)

	// The only candidate in the first pass drops between selection and
	// registration; the retry pairs with the next one.
	flaky := &flakyHandle{Handle: sessiontest.NewHandle("flaky")}
	m.pool.Enqueue(poolEntry("flaky", flaky))

	res, err := m.RequestMatch(request("A", "x", "everyone", "Global"))
	require.NoError(t, err)
	assert.Nil(t, res, "no second candidate to retry against")
	assert.False(t, m.Waiting("flaky"))

	flaky2 := &flakyHandle{Handle: sessiontest.NewHandle("flaky2")}
	m.pool.Enqueue(poolEntry("flaky2", flaky2))
	steady := sessiontest.NewHandle("steady")
	m.pool.Enqueue(poolEntry("steady", steady))
	m.pool.Dequeue("A")

	// steady is vetoed on the first pass only, so the first pick is flaky2.
	m.gate = &onceVetoGate{veto: "steady"}

	res, err = m.RequestMatch(request("B", "x", "everyone", "Global"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "steady", res.Responder.ParticipantID)
	assert.Equal(t, 0, m.QueueSize())
}

type onceVetoGate struct {
	veto   string
	vetoed bool
}

func (g *onceVetoGate) IsEligible(_, c eligibility.Subject) bool {
	if c.ID == g.veto && !g.vetoed {
		g.vetoed = true
		return false
	}
	return true
}

func TestLeaveAndRemoveStale(t *testing.T) {
	m, _ := newTestMatcher(nil)

	a := request("A", "x", "male", "EU")
	b := request("B", "x", "male", "EU")
	m.pool.Enqueue(poolEntry("A", a.Handle))
	m.pool.Enqueue(poolEntry("B", b.Handle))

	assert.True(t, m.Leave("A"))
	assert.False(t, m.Leave("A"))

	b.Handle.(*sessiontest.Handle).Close()
	assert.Equal(t, 1, m.RemoveStale())
	assert.Equal(t, 0, m.QueueSize())
}

func TestStartCleanupStopsOnCancel(t *testing.T) {
	m, _ := newTestMatcher(nil)
	h := sessiontest.NewHandle("gone")
	m.pool.Enqueue(poolEntry("gone", h))
	h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		StartCleanup(ctx, m, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return m.QueueSize() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestRequestMatch_ConcurrentNeverDoubleBooks(t *testing.T) {
	reg := session.NewRegistry(nil)
	m := New(reg, nil, WithRand(rand.New(rand.NewSource(1))))

	const n = 200
	var wg sync.WaitGroup
	results := make(chan *Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.RequestMatch(request(fmt.Sprintf("p%03d", i), "x", "everyone", "Global"))
			assert.NoError(t, err)
			if res != nil {
				results <- res
			}
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]string)
	sessions := 0
	for res := range results {
		sessions++
		for _, id := range []string{res.Session.ParticipantA, res.Session.ParticipantB} {
			prev, dup := seen[id]
			require.False(t, dup, "participant %s in sessions %s and %s", id, prev, res.Session.ID)
			seen[id] = res.Session.ID
			assert.False(t, m.Waiting(id), "%s is both paired and waiting", id)
		}
	}

	assert.Equal(t, sessions, reg.Count())
	assert.Equal(t, n, 2*sessions+m.QueueSize())
	assert.LessOrEqual(t, m.QueueSize(), 1)
}

func poolEntry(id string, h session.Handle) pool.Entry {
	return pool.Entry{
		ParticipantID: id,
		Handle:        h,
		Identity:      "x",
		Preference:    "everyone",
		Region:        "Global",
		JoinedAt:      testNow,
	}
}
