package csvstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, dir
}

func TestSaveMessageAllocatesIncreasingIDs(t *testing.T) {
	s, dir := newTestStore(t)

	var last uint32
	for i := 0; i < 5; i++ {
		msg, err := s.SaveMessage("alice", "bob", "hello", false, false, "")
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		if msg.ID <= last {
			t.Fatalf("id %d not greater than %d", msg.ID, last)
		}
		last = msg.ID
	}

	// Reopening continues from max+1.
	s2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	msg, err := s2.SaveMessage("alice", "bob", "again", false, false, "")
	if err != nil {
		t.Fatalf("save after reopen: %v", err)
	}
	if msg.ID != last+1 {
		t.Errorf("id after reopen: got %d, want %d", msg.ID, last+1)
	}
}

func TestFieldEscaping(t *testing.T) {
	s, dir := newTestStore(t)

	if _, err := s.SaveMessage("alice", "bob", "a,b\nc\rd", false, false, ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "messages.csv"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Count(string(raw), "\n") != 2 {
		t.Errorf("escaped row must stay on one line:\n%s", raw)
	}

	msgs, err := s.DMHistory("alice", "bob", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "a;b c d" {
		t.Errorf("content: got %q, want %q", msgs[0].Content, "a;b c d")
	}
}

func TestDMHistoryBothDirections(t *testing.T) {
	s, _ := newTestStore(t)

	s.SaveMessage("alice", "bob", "one", false, false, "")
	s.SaveMessage("bob", "alice", "two", false, false, "")
	s.SaveMessage("alice", "carol", "noise", false, false, "")
	s.SaveMessage("alice", "bob", "grp", true, false, "")

	msgs, err := s.DMHistory("alice", "bob", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "one" || msgs[1].Content != "two" {
		t.Errorf("unexpected order: %+v", msgs)
	}
}

func TestTopicHistoryLimit(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 60; i++ {
		if _, err := s.SaveMessage("alice", "team", "m", true, false, ""); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	msgs, err := s.TopicHistory("team", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 50 {
		t.Fatalf("got %d messages, want 50", len(msgs))
	}
	if msgs[0].ID != 11 {
		t.Errorf("window start: got id %d, want 11", msgs[0].ID)
	}
}

func TestFileMessageRow(t *testing.T) {
	s, _ := newTestStore(t)

	msg, err := s.SaveMessage("alice", "bob", "[FILE] notes.txt", false, true, "notes.txt")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !msg.IsFile || msg.Filename != "notes.txt" {
		t.Errorf("file flags lost: %+v", msg)
	}
	msgs, _ := s.DMHistory("alice", "bob", 50)
	if len(msgs) != 1 || !msgs[0].IsFile || msgs[0].Filename != "notes.txt" {
		t.Errorf("file row did not round-trip: %+v", msgs)
	}
}

func TestUserLifecycle(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.SaveUser("alice"); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := s.SaveUser("bob"); err != nil {
		t.Fatalf("save user: %v", err)
	}

	online, err := s.OnlineUsers()
	if err != nil {
		t.Fatalf("online users: %v", err)
	}
	if len(online) != 2 {
		t.Fatalf("got %v, want both online", online)
	}

	if err := s.SetUserOnline("alice", false); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	online, _ = s.OnlineUsers()
	if len(online) != 1 || online[0] != "bob" {
		t.Errorf("got %v, want [bob]", online)
	}

	// Re-saving an existing user marks it back online, no duplicate row.
	if err := s.SaveUser("alice"); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	users, _ := s.AllUsers()
	if len(users) != 2 {
		t.Errorf("got %d user rows, want 2", len(users))
	}

	if err := s.SetUserOnline("ghost", true); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestGroupLifecycle(t *testing.T) {
	s, _ := newTestStore(t)

	created, err := s.CreateGroup("lunch", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("first create must report true")
	}
	created, err = s.CreateGroup("lunch", "bob")
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if created {
		t.Fatal("second create must report false")
	}

	if err := s.AddGroupMember("lunch", "bob"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := s.AddGroupMember("lunch", "bob"); err != nil {
		t.Fatalf("re-add member: %v", err)
	}

	members, err := s.GroupMembers("lunch")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Errorf("members: got %v", members)
	}

	ok, err := s.IsGroupMember("lunch", "bob")
	if err != nil || !ok {
		t.Errorf("bob should be a member (err=%v)", err)
	}

	ms, err := s.GroupsWithMembership("bob")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if len(ms) != 1 || ms[0].Name != "lunch" || !ms[0].Member {
		t.Errorf("membership: got %+v", ms)
	}

	if err := s.RemoveGroupMember("lunch", "alice"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveGroupMember("lunch", "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// Record survives an empty roster.
	members, err = s.GroupMembers("lunch")
	if err != nil {
		t.Fatalf("members after empty: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected empty roster, got %v", members)
	}

	if err := s.AddGroupMember("nope", "alice"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestGroupsWithMembershipEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	ms, err := s.GroupsWithMembership("alice")
	if err != nil {
		t.Fatalf("membership: %v", err)
	}
	if len(ms) != 0 {
		t.Errorf("expected no groups, got %+v", ms)
	}
}
