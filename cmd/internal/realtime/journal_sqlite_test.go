package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func mustOpenSQLiteJournal(t *testing.T, path string) *SQLiteJournal {
	t.Helper()
	j, err := OpenSQLiteJournal(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLiteJournal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestSQLiteJournal_AppendLoadFind(t *testing.T) {
	t.Parallel()

	j := mustOpenSQLiteJournal(t, filepath.Join(t.TempDir(), "journal.db"))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev, err := j.Append(ctx, AppendEventInput{
			RoomID:  "!room",
			EventID: fmt.Sprintf("$e%d", i),
			Raw:     json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq=%d want=%d", ev.Seq, i+1)
		}
	}
	if ev, err := j.Append(ctx, AppendEventInput{RoomID: "!other", EventID: "$x", Raw: json.RawMessage(`{}`)}); err != nil || ev.Seq != 1 {
		t.Fatalf("other room seq=%d err=%v want=1", ev.Seq, err)
	}

	page, err := j.Load(ctx, LoadEventsInput{RoomID: "!room", Limit: 2})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(page.Events) != 2 || !page.HasMore || page.Events[0].Seq != 1 || string(page.Events[1].Raw) != `{"n":1}` {
		t.Fatalf("page1=%+v", page)
	}

	page, err = j.Load(ctx, LoadEventsInput{RoomID: "!room", AfterSeq: 4, Limit: 2})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(page.Events) != 1 || page.HasMore || page.Events[0].EventID != "$e4" || page.Events[0].ReceivedAt.IsZero() {
		t.Fatalf("page3=%+v", page)
	}

	if _, err := j.Append(ctx, AppendEventInput{RoomID: "!room", EventID: "$e1", Raw: json.RawMessage(`{"n":"again"}`)}); err != nil {
		t.Fatalf("append duplicate id: %v", err)
	}
	got, ok, err := j.Find(ctx, "!room", "$e1")
	if err != nil || !ok || got.Seq != 6 || string(got.Raw) != `{"n":"again"}` {
		t.Fatalf("find=%+v ok=%v err=%v want newest", got, ok, err)
	}
	if _, ok, err := j.Find(ctx, "!room", "$missing"); ok || err != nil {
		t.Fatalf("find missing ok=%v err=%v", ok, err)
	}
}

func TestSQLiteJournal_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := OpenSQLiteJournal(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, raw := range scenarioEvents(t) {
		var head struct {
			EventID string `json:"event_id"`
		}
		_ = json.Unmarshal(raw, &head)
		if _, err := j.Append(ctx, AppendEventInput{RoomID: "!durable", EventID: head.EventID, Raw: raw}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := mustOpenSQLiteJournal(t, path)
	r := mustRoom(t, NewHub(nil, reopened, RoomOptions{}), "!durable")
	assertScenarioSnapshot(t, r.Snapshot())
}

func TestSQLiteJournal_Validation(t *testing.T) {
	t.Parallel()

	if _, err := OpenSQLiteJournal(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty path")
	}

	j := mustOpenSQLiteJournal(t, filepath.Join(t.TempDir(), "journal.db"))
	ctx := context.Background()

	if _, err := j.Append(ctx, AppendEventInput{EventID: "$e", Raw: json.RawMessage(`{}`)}); !errors.Is(err, ErrRoomIDRequired) {
		t.Fatalf("err=%v want ErrRoomIDRequired", err)
	}
	if _, err := j.Load(ctx, LoadEventsInput{}); !errors.Is(err, ErrRoomIDRequired) {
		t.Fatalf("err=%v want ErrRoomIDRequired", err)
	}
	if _, _, err := j.Find(ctx, "", "$e"); !errors.Is(err, ErrRoomIDRequired) {
		t.Fatalf("err=%v want ErrRoomIDRequired", err)
	}
}
