// Package csvstore implements store.Store on top of line-delimited CSV
// tables. This is the canonical backend: the file layout under the data
// directory is an external interface and must stay compatible across
// implementations.
//
// messages.csv is append-only; users.csv and groups.csv are rewritten in
// full on every mutation through a temp file renamed into place.
package csvstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linhpt111/chatc/internal/store"
)

const (
	messagesHeader = "id,sender,recipient,content,timestamp,isGroup,isFile,filename"
	usersHeader    = "username,passwordHash,createdAt,lastSeen,isOnline"
	groupsHeader   = "groupName,createdBy,createdAt,members"
)

// Store is the CSV-backed persistence layer.
type Store struct {
	mu     sync.Mutex
	dir    string
	nextID uint32

	messagesPath string
	usersPath    string
	groupsPath   string
}

var _ store.Store = (*Store)(nil)

// New opens (creating if absent) the CSV tables under dir and loads the
// next message id.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		dir:          dir,
		nextID:       1,
		messagesPath: filepath.Join(dir, "messages.csv"),
		usersPath:    filepath.Join(dir, "users.csv"),
		groupsPath:   filepath.Join(dir, "groups.csv"),
	}
	for _, t := range []struct{ path, header string }{
		{s.messagesPath, messagesHeader},
		{s.usersPath, usersHeader},
		{s.groupsPath, groupsHeader},
	} {
		if err := ensureTable(t.path, t.header); err != nil {
			return nil, err
		}
	}
	if err := s.loadNextID(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close is a no-op; every operation opens and closes its own files.
func (s *Store) Close() error { return nil }

// SaveMessage appends one row and returns the stored record.
func (s *Store) SaveMessage(sender, recipient, content string, isGroup, isFile bool, filename string) (store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := store.Message{
		ID:        s.nextID,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: uint64(time.Now().Unix()),
		IsGroup:   isGroup,
		IsFile:    isFile,
		Filename:  filename,
	}

	f, err := os.OpenFile(s.messagesPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return store.Message{}, err
	}
	defer f.Close()

	row := strings.Join([]string{
		strconv.FormatUint(uint64(msg.ID), 10),
		escapeField(msg.Sender),
		escapeField(msg.Recipient),
		escapeField(msg.Content),
		strconv.FormatUint(msg.Timestamp, 10),
		boolField(msg.IsGroup),
		boolField(msg.IsFile),
		escapeField(msg.Filename),
	}, ",")
	if _, err := fmt.Fprintln(f, row); err != nil {
		return store.Message{}, err
	}
	s.nextID++
	return msg, nil
}

// TopicHistory returns the last limit messages addressed to topic.
func (s *Store) TopicHistory(topic string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.readMessages(func(m store.Message) bool {
		return m.Recipient == topic
	})
	if err != nil {
		return nil, err
	}
	return tail(msgs, limit), nil
}

// DMHistory returns the last limit direct messages between a and b, in
// either direction.
func (s *Store) DMHistory(a, b string, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, err := s.readMessages(func(m store.Message) bool {
		if m.IsGroup {
			return false
		}
		return (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a)
	})
	if err != nil {
		return nil, err
	}
	return tail(msgs, limit), nil
}

// SaveUser creates the user record, or touches lastSeen and marks it online
// when it already exists.
func (s *Store) SaveUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return err
	}
	now := uint64(time.Now().Unix())
	for i := range users {
		if users[i].Username == username {
			users[i].IsOnline = true
			users[i].LastSeen = now
			return s.writeUsers(users)
		}
	}

	f, err := os.OpenFile(s.usersPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, strings.Join([]string{
		escapeField(username), "", strconv.FormatUint(now, 10),
		strconv.FormatUint(now, 10), "1",
	}, ","))
	return err
}

// SetUserOnline flips the online flag and touches lastSeen.
func (s *Store) SetUserOnline(username string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return err
	}
	found := false
	for i := range users {
		if users[i].Username == username {
			users[i].IsOnline = online
			users[i].LastSeen = uint64(time.Now().Unix())
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	return s.writeUsers(users)
}

// OnlineUsers lists usernames currently flagged online.
func (s *Store) OnlineUsers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.readUsers()
	if err != nil {
		return nil, err
	}
	var online []string
	for _, u := range users {
		if u.IsOnline {
			online = append(online, u.Username)
		}
	}
	return online, nil
}

// AllUsers returns every user record.
func (s *Store) AllUsers() ([]store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readUsers()
}

// CreateGroup appends a new group with creator as the first member. It
// returns false when the group already exists.
func (s *Store) CreateGroup(name, creator string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.Name == name {
			return false, nil
		}
	}

	f, err := os.OpenFile(s.groupsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()
	now := uint64(time.Now().Unix())
	_, err = fmt.Fprintln(f, strings.Join([]string{
		escapeField(name), escapeField(creator),
		strconv.FormatUint(now, 10), escapeField(creator),
	}, ","))
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddGroupMember inserts username into the group roster if absent.
func (s *Store) AddGroupMember(name, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return err
	}
	found := false
	for i := range groups {
		if groups[i].Name != name {
			continue
		}
		found = true
		if !contains(groups[i].Members, username) {
			groups[i].Members = append(groups[i].Members, username)
		}
	}
	if !found {
		return store.ErrNotFound
	}
	return s.writeGroups(groups)
}

// RemoveGroupMember removes username from the roster. The group record
// survives an empty member list.
func (s *Store) RemoveGroupMember(name, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return err
	}
	found := false
	for i := range groups {
		if groups[i].Name != name {
			continue
		}
		found = true
		for j, m := range groups[i].Members {
			if m == username {
				groups[i].Members = append(groups[i].Members[:j], groups[i].Members[j+1:]...)
				break
			}
		}
	}
	if !found {
		return store.ErrNotFound
	}
	return s.writeGroups(groups)
}

// GroupMembers returns the roster of one group.
func (s *Store) GroupMembers(name string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.Name == name {
			return g.Members, nil
		}
	}
	return nil, store.ErrNotFound
}

// IsGroupMember reports whether username belongs to the group.
func (s *Store) IsGroupMember(name, username string) (bool, error) {
	members, err := s.GroupMembers(name)
	if err != nil {
		return false, err
	}
	return contains(members, username), nil
}

// GroupsWithMembership lists every group paired with username's membership.
func (s *Store) GroupsWithMembership(username string) ([]store.GroupMembership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.readGroups()
	if err != nil {
		return nil, err
	}
	result := make([]store.GroupMembership, 0, len(groups))
	for _, g := range groups {
		result = append(result, store.GroupMembership{
			Name:   g.Name,
			Member: contains(g.Members, username),
		})
	}
	return result, nil
}

func (s *Store) loadNextID() error {
	msgs, err := s.readMessages(func(store.Message) bool { return true })
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ID >= s.nextID {
			s.nextID = m.ID + 1
		}
	}
	return nil
}

func (s *Store) readMessages(keep func(store.Message) bool) ([]store.Message, error) {
	var msgs []store.Message
	err := readTable(s.messagesPath, func(fields []string) {
		if len(fields) < 8 {
			return
		}
		id, _ := strconv.ParseUint(fields[0], 10, 32)
		ts, _ := strconv.ParseUint(fields[4], 10, 64)
		m := store.Message{
			ID:        uint32(id),
			Sender:    fields[1],
			Recipient: fields[2],
			Content:   fields[3],
			Timestamp: ts,
			IsGroup:   fields[5] == "1",
			IsFile:    fields[6] == "1",
			Filename:  fields[7],
		}
		if keep(m) {
			msgs = append(msgs, m)
		}
	})
	return msgs, err
}

func (s *Store) readUsers() ([]store.User, error) {
	var users []store.User
	err := readTable(s.usersPath, func(fields []string) {
		if len(fields) < 5 {
			return
		}
		created, _ := strconv.ParseUint(fields[2], 10, 64)
		seen, _ := strconv.ParseUint(fields[3], 10, 64)
		users = append(users, store.User{
			Username:     fields[0],
			PasswordHash: fields[1],
			CreatedAt:    created,
			LastSeen:     seen,
			IsOnline:     fields[4] == "1",
		})
	})
	return users, err
}

func (s *Store) readGroups() ([]store.Group, error) {
	var groups []store.Group
	err := readTable(s.groupsPath, func(fields []string) {
		if len(fields) < 4 {
			return
		}
		created, _ := strconv.ParseUint(fields[2], 10, 64)
		var members []string
		for _, m := range strings.Split(fields[3], ";") {
			if m != "" {
				members = append(members, m)
			}
		}
		groups = append(groups, store.Group{
			Name:      fields[0],
			CreatedBy: fields[1],
			CreatedAt: created,
			Members:   members,
		})
	})
	return groups, err
}

func (s *Store) writeUsers(users []store.User) error {
	rows := make([]string, 0, len(users))
	for _, u := range users {
		rows = append(rows, strings.Join([]string{
			escapeField(u.Username),
			escapeField(u.PasswordHash),
			strconv.FormatUint(u.CreatedAt, 10),
			strconv.FormatUint(u.LastSeen, 10),
			boolField(u.IsOnline),
		}, ","))
	}
	return rewriteTable(s.usersPath, usersHeader, rows)
}

func (s *Store) writeGroups(groups []store.Group) error {
	rows := make([]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, strings.Join([]string{
			escapeField(g.Name),
			escapeField(g.CreatedBy),
			strconv.FormatUint(g.CreatedAt, 10),
			strings.Join(g.Members, ";"),
		}, ","))
	}
	return rewriteTable(s.groupsPath, groupsHeader, rows)
}

func ensureTable(path, header string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(header+"\n"), 0o644)
}

func readTable(path string, row func(fields []string)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}
		if line == "" {
			continue
		}
		row(strings.Split(line, ","))
	}
	return scanner.Err()
}

// rewriteTable replaces the table through a temp file so a crash mid-write
// cannot tear it.
func rewriteTable(path, header string, rows []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	fmt.Fprintln(w, header)
	for _, r := range rows {
		fmt.Fprintln(w, r)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// escapeField keeps rows single-line and comma-free: commas become
// semicolons, CR and LF become spaces.
func escapeField(s string) string {
	r := strings.NewReplacer(",", ";", "\n", " ", "\r", " ")
	return r.Replace(s)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func tail(msgs []store.Message, limit int) []store.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
