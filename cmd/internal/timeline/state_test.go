package timeline

import (
	"testing"
)

func TestState_StableOrdering(t *testing.T) {
	t.Parallel()

	st := NewState()
	ids := []string{"$event1", "$event2", "$event3"}
	for _, id := range ids {
		st.Upsert(testMessage(id, "body "+id, st.AllocateOrderingKey().Uint64()))
	}

	// Updates to any item never reorder the snapshot.
	for i := 0; i < 3; i++ {
		for _, id := range []string{"$event3", "$event1", "$event2"} {
			m := mustGet(t, st, id)
			m.Content.Body = "updated"
			st.Upsert(m)
		}
	}

	items := st.Snapshot()
	if len(items) != len(ids) {
		t.Fatalf("len=%d want=%d", len(items), len(ids))
	}
	for i, id := range ids {
		if items[i].ID != id {
			t.Fatalf("items[%d].ID=%q want=%q", i, items[i].ID, id)
		}
		if i > 0 && !items[i-1].OrderingKey.Less(items[i].OrderingKey) {
			t.Fatalf("snapshot not ordered at %d", i)
		}
	}
}

func TestState_UpdatePreservesPosition(t *testing.T) {
	t.Parallel()

	st := NewState()
	msg := testMessage("$event1", "Original", 1)
	if !st.Upsert(msg) {
		t.Fatalf("first upsert must report new")
	}

	updated := msg
	updated.Content.Body = "Decrypted"
	updated.OrderingKey = OrderingKeyFromSequence(99)
	if st.Upsert(updated) {
		t.Fatalf("second upsert must report existing")
	}

	items := st.Snapshot()
	if len(items) != 1 {
		t.Fatalf("len=%d want=1", len(items))
	}
	if items[0].OrderingKey != msg.OrderingKey {
		t.Fatalf("ordering key moved: got=%d want=%d", items[0].OrderingKey, msg.OrderingKey)
	}
	if items[0].Content.Body != "Decrypted" {
		t.Fatalf("body=%q want=Decrypted", items[0].Content.Body)
	}
}

func TestState_GetByID(t *testing.T) {
	t.Parallel()

	st := NewState()
	msg := testMessage("$event1", "Test", 1)
	st.Upsert(msg)

	found, ok := st.GetByID("$event1")
	if !ok || found.ID != msg.ID {
		t.Fatalf("GetByID found=%+v ok=%v", found, ok)
	}
	if _, ok := st.GetByID("$notfound"); ok {
		t.Fatalf("expected not found")
	}
}

func TestState_ReturnsCopies(t *testing.T) {
	t.Parallel()

	st := NewState()
	msg := testMessage("$event1", "Test", 1)
	msg.EditState = &EditState{Chain: []EditRecord{{EditID: "$e1"}}}
	st.Upsert(msg)

	// Mutating the argument after Upsert must not leak into the store.
	msg.EditState.Chain[0].EditID = "$mutated"

	got := mustGet(t, st, "$event1")
	got.Content.Body = "changed"
	got.EditState.Chain = append(got.EditState.Chain, EditRecord{EditID: "$e2"})

	again := mustGet(t, st, "$event1")
	if again.Content.Body != "Test" {
		t.Fatalf("store content mutated through copy: %q", again.Content.Body)
	}
	if len(again.EditState.Chain) != 1 || again.EditState.Chain[0].EditID != "$e1" {
		t.Fatalf("store edit chain mutated: %+v", again.EditState.Chain)
	}
}

func TestState_PendingEdits(t *testing.T) {
	t.Parallel()

	st := NewState()
	st.AddPendingEdit("$parent", "$edit1")
	st.AddPendingEdit("$parent", "$edit2")
	st.AddPendingEdit("$other", "$edit3")

	if n := st.PendingEditCount(); n != 3 {
		t.Fatalf("PendingEditCount=%d want=3", n)
	}

	edits := st.TakePendingEdits("$parent")
	if len(edits) != 2 || edits[0] != "$edit1" || edits[1] != "$edit2" {
		t.Fatalf("TakePendingEdits=%v", edits)
	}
	if again := st.TakePendingEdits("$parent"); len(again) != 0 {
		t.Fatalf("second take must be empty, got=%v", again)
	}
	if n := st.PendingEditCount(); n != 1 {
		t.Fatalf("PendingEditCount=%d want=1", n)
	}
}

func TestState_Remove(t *testing.T) {
	t.Parallel()

	st := NewState()
	st.Upsert(testMessage("$a", "a", 0))
	st.Upsert(testMessage("$b", "b", 1))
	sub := st.Subscribe()
	defer sub.Close()

	removed, ok := st.Remove(OrderingKeyFromSequence(0))
	if !ok || removed.ID != "$a" {
		t.Fatalf("Remove=%+v ok=%v", removed, ok)
	}
	if _, ok := st.GetByID("$a"); ok {
		t.Fatalf("identity index not cleared")
	}
	if _, ok := st.Remove(OrderingKeyFromSequence(0)); ok {
		t.Fatalf("second remove must miss")
	}

	deltas := drain(sub)
	if len(deltas) != 1 || deltas[0].Kind != DeltaRemove || deltas[0].Position != 0 {
		t.Fatalf("deltas=%+v", deltas)
	}

	// The identity can come back as a brand new item.
	if !st.Upsert(testMessage("$a", "again", st.AllocateOrderingKey().Uint64())) {
		t.Fatalf("re-insert after remove must be new")
	}
	items := st.Snapshot()
	if len(items) != 2 || items[0].ID != "$b" || items[1].ID != "$a" {
		t.Fatalf("snapshot=%+v", items)
	}
}

func TestState_AllocationSkipsInsertedKeys(t *testing.T) {
	t.Parallel()

	st := NewState()
	st.Upsert(testMessage("$a", "a", 10))

	if k := st.AllocateOrderingKey(); k != 11 {
		t.Fatalf("AllocateOrderingKey=%d want=11", k)
	}
}

func TestState_KeyCollisionReplacesHolder(t *testing.T) {
	t.Parallel()

	st := NewState()
	st.Upsert(testMessage("$a", "a", 5))
	st.Upsert(testMessage("$b", "b", 5))

	if _, ok := st.GetByID("$a"); ok {
		t.Fatalf("replaced identity still indexed")
	}
	if m := mustGet(t, st, "$b"); m.OrderingKey != 5 {
		t.Fatalf("ordering key=%d want=5", m.OrderingKey)
	}
	if st.Len() != 1 {
		t.Fatalf("Len=%d want=1", st.Len())
	}
}

func TestState_EmitReset(t *testing.T) {
	t.Parallel()

	st := NewState()
	st.Upsert(testMessage("$a", "a", 0))
	st.Upsert(testMessage("$b", "b", 1))

	sub := st.Subscribe()
	defer sub.Close()
	st.EmitReset()

	deltas := drain(sub)
	if len(deltas) != 1 || deltas[0].Kind != DeltaReset {
		t.Fatalf("deltas=%+v", deltas)
	}
	items := deltas[0].Items
	if len(items) != 2 || items[0].ID != "$a" || items[1].ID != "$b" {
		t.Fatalf("reset items=%+v", items)
	}
}

func TestState_BroadcastWithoutSubscribers(t *testing.T) {
	t.Parallel()

	st := NewState()
	st.Upsert(testMessage("$a", "a", 0))
	st.EmitReset()

	sub := st.Subscribe()
	sub.Close()
	st.Upsert(testMessage("$b", "b", 1))

	if st.SubscriberCount() != 0 {
		t.Fatalf("SubscriberCount=%d want=0", st.SubscriberCount())
	}
}
