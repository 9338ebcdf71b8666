package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id, identity string) Entry {
	return Entry{ParticipantID: id, Identity: identity, Preference: "everyone", Region: "Global", JoinedAt: time.Now()}
}

func TestEnqueueReplacesPriorEntry(t *testing.T) {
	p := New()
	p.Enqueue(entry("alice", "female"))
	p.Enqueue(Entry{ParticipantID: "alice", Identity: "female", Region: "EU"})

	require.Equal(t, 1, p.Size())
	e, ok := p.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "EU", e.Region)
}

func TestDequeue(t *testing.T) {
	p := New()
	p.Enqueue(entry("alice", "female"))

	e, ok := p.Dequeue("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", e.ParticipantID)
	assert.False(t, p.Contains("alice"))

	_, ok = p.Dequeue("alice")
	assert.False(t, ok, "second dequeue is a no-op")
}

func TestSnapshotIsOrderedAndDetached(t *testing.T) {
	p := New()
	p.Enqueue(entry("bob", "male"))
	p.Enqueue(entry("charlie", "male"))
	p.Enqueue(entry("alice", "female"))

	snap := p.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"bob", "charlie", "alice"},
		[]string{snap[0].ParticipantID, snap[1].ParticipantID, snap[2].ParticipantID})

	snap[0].Region = "mutated"
	e, _ := p.Get("bob")
	assert.Equal(t, "Global", e.Region)
}

func TestRejoinMovesToBack(t *testing.T) {
	p := New()
	p.Enqueue(entry("bob", "male"))
	p.Enqueue(entry("alice", "female"))
	p.Enqueue(entry("bob", "male"))

	snap := p.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alice", snap[0].ParticipantID)
	assert.Equal(t, "bob", snap[1].ParticipantID)
}
