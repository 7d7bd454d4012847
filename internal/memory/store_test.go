package memory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fluxmind/fluxmind/internal/database"
	"github.com/fluxmind/fluxmind/internal/message"
)

func newSQLiteStore(t *testing.T, driver string) *SQLiteStore {
	t.Helper()
	db, err := database.Open(driver, filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return s
}

// stores returns every MessageStore implementation under test.
func stores(t *testing.T) map[string]MessageStore {
	return map[string]MessageStore{
		"memory":         NewStore(),
		"sqlite3":        newSQLiteStore(t, database.DriverCGO),
		"modernc-sqlite": newSQLiteStore(t, database.DriverPure),
	}
}

var stamp = time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)

func textMsg(id string, role message.Role, text string) message.Message {
	return message.Message{
		ID:       id,
		Role:     role,
		Parts:    []message.Part{message.NewText(text)},
		Metadata: message.Metadata{CreatedAt: stamp},
	}
}

func toolMsg(id string) message.Message {
	approved := true
	return message.Message{
		ID:   id,
		Role: message.RoleAssistant,
		Parts: []message.Part{
			message.NewText("Here is a card."),
			message.NewToolInvocation(message.ToolInvocation{
				ToolCallID: "call_1",
				ToolName:   "createFlashcard",
				State:      message.StateOutputAvailable,
				Input:      map[string]any{"topic": "Go", "question": "q", "answer": "a"},
				Output:     map[string]any{"type": "flashcard", "topic": "Go"},
				Approval:   &approved,
			}),
		},
		Metadata: message.Metadata{CreatedAt: stamp, Extra: map[string]any{"model": "llama"}},
	}
}

func TestMessageStore_AppendLoad(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			want := []message.Message{
				textMsg("1", message.RoleUser, "make me a flashcard"),
				toolMsg("2"),
				textMsg("3", message.RoleUser, "thanks"),
			}
			for _, m := range want {
				if err := s.Append("conv", m); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := s.Load("conv")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Load (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageStore_AppendReplacesByID(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, m := range []message.Message{
				textMsg("1", message.RoleUser, "a"),
				textMsg("2", message.RoleAssistant, "b"),
				textMsg("1", message.RoleUser, "a, edited"),
			} {
				if err := s.Append("conv", m); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := s.Load("conv")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
			if got[0].ID != "1" || got[0].Text() != "a, edited" || got[1].ID != "2" {
				t.Errorf("got %q/%q then %q", got[0].ID, got[0].Text(), got[1].ID)
			}
		})
	}
}

func TestMessageStore_SaveReplaces(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Append("conv", textMsg("old", message.RoleUser, "old")); err != nil {
				t.Fatalf("Append: %v", err)
			}

			want := []message.Message{
				textMsg("b", message.RoleUser, "second id, first position"),
				textMsg("a", message.RoleAssistant, "first id, second position"),
			}
			if err := s.Save("conv", want); err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := s.Load("conv")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Load after Save (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMessageStore_LoadUnknown(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Load("nobody")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Errorf("Load(unknown) = %#v, want empty non-nil slice", got)
			}
		})
	}
}

func TestMessageStore_ConversationsAndClear(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Append("a", textMsg("1", message.RoleUser, "x")); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := s.Save("b", []message.Message{
				textMsg("1", message.RoleUser, "x"),
				textMsg("2", message.RoleAssistant, "y"),
			}); err != nil {
				t.Fatalf("Save: %v", err)
			}

			convs, err := s.Conversations()
			if err != nil {
				t.Fatalf("Conversations: %v", err)
			}
			counts := map[string]int{}
			for _, c := range convs {
				counts[c.ID] = c.Messages
			}
			if diff := cmp.Diff(map[string]int{"a": 1, "b": 2}, counts); diff != "" {
				t.Errorf("conversation counts (-want +got):\n%s", diff)
			}

			if err := s.Clear("b"); err != nil {
				t.Fatalf("Clear: %v", err)
			}
			got, err := s.Load("b")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != 0 {
				t.Errorf("cleared conversation still has %d messages", len(got))
			}
			remaining, err := s.Load("a")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(remaining) != 1 {
				t.Errorf("Clear touched another conversation")
			}
		})
	}
}

func TestStore_LoadReturnsCopy(t *testing.T) {
	s := NewStore()
	if err := s.Append("conv", toolMsg("1")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, _ := s.Load("conv")
	got[0].Parts[1].Tool.State = message.StateReady
	got[0].Parts[1].Tool.Input["topic"] = "mutated"

	again, _ := s.Load("conv")
	if again[0].Parts[1].Tool.State != message.StateOutputAvailable {
		t.Error("mutating a loaded message changed the store")
	}
	if again[0].Parts[1].Tool.Input["topic"] != "Go" {
		t.Error("mutating a loaded input map changed the store")
	}
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")

	db, err := database.Open(database.DriverPure, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Append("conv", toolMsg("1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	db.Close()

	db, err = database.Open(database.DriverPure, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	s, err = NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}

	got, err := s.Load("conv")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]message.Message{toolMsg("1")}, got); diff != "" {
		t.Errorf("reloaded (-want +got):\n%s", diff)
	}
}
