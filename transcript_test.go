package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranscriptStoreOrderAndLookup(t *testing.T) {
	store := NewTranscriptStore()

	assert.True(t, store.Add("a", RoleAssistant, "hola"))
	assert.True(t, store.Add("b", RoleUser, ""))
	assert.True(t, store.Add("c", RoleAssistant, ""))
	assert.Equal(t, 3, store.Len())

	// Updating text never changes first-observation order.
	assert.True(t, store.SetText("a", "hola, ¿qué tal?"))
	snapshot := store.Snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, []string{snapshot[0].ID, snapshot[1].ID, snapshot[2].ID})

	item, ok := store.Get("b")
	assert.True(t, ok)
	assert.Equal(t, RoleUser, item.Role)

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestTranscriptStoreDuplicateIdIsNoOp(t *testing.T) {
	store := NewTranscriptStore()

	assert.True(t, store.Add("a", RoleAssistant, "first"))
	assert.False(t, store.Add("a", RoleUser, "second"))

	assert.Equal(t, 1, store.Len())
	item, _ := store.Get("a")
	assert.Equal(t, RoleAssistant, item.Role)
	assert.Equal(t, "first", item.Text)
}

func TestTranscriptStoreDeltaConcatenation(t *testing.T) {
	store := NewTranscriptStore()
	store.Add("item", RoleAssistant, "")

	deltas := []string{"Bue", "nos ", "dí", "as"}
	for _, d := range deltas {
		assert.True(t, store.AppendText("item", d))
	}
	item, _ := store.Get("item")
	assert.Equal(t, "Buenos días", item.Text)

	// A done event overrides whatever the deltas accumulated.
	assert.True(t, store.SetText("item", "Buenos días."))
	item, _ = store.Get("item")
	assert.Equal(t, "Buenos días.", item.Text)
}

func TestTranscriptStoreUnknownIdIsNoOp(t *testing.T) {
	store := NewTranscriptStore()

	assert.False(t, store.AppendText("ghost", "delta"))
	assert.False(t, store.SetText("ghost", "text"))
	assert.Equal(t, 0, store.Len())
}

func TestTranscriptStoreSnapshotIsACopy(t *testing.T) {
	store := NewTranscriptStore()
	store.Add("a", RoleUser, "original")

	snapshot := store.Snapshot()
	snapshot[0].Text = "mutated"

	item, _ := store.Get("a")
	assert.Equal(t, "original", item.Text)
}

func TestTranscriptStoreReset(t *testing.T) {
	store := NewTranscriptStore()
	store.Add("a", RoleUser, "x")
	store.Reset()

	assert.Equal(t, 0, store.Len())
	// Ids are reusable after reset; a retry starts a fresh conversation.
	assert.True(t, store.Add("a", RoleAssistant, "y"))
}
