// Package sqlite is a GORM-backed implementation of store.Store for
// deployments that prefer a single database file over the CSV tables. The
// CSV backend remains the canonical layout; semantics here are identical.
package sqlite

import (
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/linhpt111/chatc/internal/store"
)

// Store is the SQLite persistence layer.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

type messageModel struct {
	ID        uint32 `gorm:"primaryKey;autoIncrement"`
	Sender    string `gorm:"index"`
	Recipient string `gorm:"index"`
	Content   string
	Timestamp uint64
	IsGroup   bool
	IsFile    bool
	Filename  string
}

type userModel struct {
	Username     string `gorm:"primaryKey"`
	PasswordHash string
	CreatedAt    uint64
	LastSeen     uint64
	IsOnline     bool
}

type groupModel struct {
	Name      string `gorm:"primaryKey"`
	CreatedBy string
	CreatedAt uint64
	Members   string // semicolon-separated, matching the CSV roster format
}

// New opens (creating if needed) the database at path and migrates the
// schema.
func New(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&messageModel{}, &userModel{}, &groupModel{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveMessage inserts one row; the id comes from the autoincrement key.
func (s *Store) SaveMessage(sender, recipient, content string, isGroup, isFile bool, filename string) (store.Message, error) {
	model := messageModel{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: uint64(time.Now().Unix()),
		IsGroup:   isGroup,
		IsFile:    isFile,
		Filename:  filename,
	}
	if err := s.db.Create(&model).Error; err != nil {
		return store.Message{}, err
	}
	return toMessage(model), nil
}

// TopicHistory returns the last limit messages addressed to topic.
func (s *Store) TopicHistory(topic string, limit int) ([]store.Message, error) {
	var models []messageModel
	err := s.db.Where("recipient = ?", topic).
		Order("id DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	return reverseMessages(models), nil
}

// DMHistory returns the last limit direct messages between a and b.
func (s *Store) DMHistory(a, b string, limit int) ([]store.Message, error) {
	var models []messageModel
	err := s.db.Where("is_group = ? AND ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))",
		false, a, b, b, a).
		Order("id DESC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}
	return reverseMessages(models), nil
}

// SaveUser creates or re-activates the user record.
func (s *Store) SaveUser(username string) error {
	now := uint64(time.Now().Unix())
	var model userModel
	err := s.db.Where("username = ?", username).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&userModel{
			Username: username, CreatedAt: now, LastSeen: now, IsOnline: true,
		}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&userModel{}).Where("username = ?", username).
		Updates(map[string]any{"is_online": true, "last_seen": now}).Error
}

// SetUserOnline flips the online flag and touches lastSeen.
func (s *Store) SetUserOnline(username string, online bool) error {
	now := uint64(time.Now().Unix())
	res := s.db.Model(&userModel{}).Where("username = ?", username).
		Updates(map[string]any{"is_online": online, "last_seen": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// OnlineUsers lists usernames currently flagged online.
func (s *Store) OnlineUsers() ([]string, error) {
	var names []string
	err := s.db.Model(&userModel{}).Where("is_online = ?", true).
		Pluck("username", &names).Error
	return names, err
}

// AllUsers returns every user record.
func (s *Store) AllUsers() ([]store.User, error) {
	var models []userModel
	if err := s.db.Find(&models).Error; err != nil {
		return nil, err
	}
	users := make([]store.User, 0, len(models))
	for _, m := range models {
		users = append(users, store.User{
			Username:     m.Username,
			PasswordHash: m.PasswordHash,
			CreatedAt:    m.CreatedAt,
			LastSeen:     m.LastSeen,
			IsOnline:     m.IsOnline,
		})
	}
	return users, nil
}

// CreateGroup inserts a new group with creator as the first member.
func (s *Store) CreateGroup(name, creator string) (bool, error) {
	var model groupModel
	err := s.db.Where("name = ?", name).First(&model).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	err = s.db.Create(&groupModel{
		Name:      name,
		CreatedBy: creator,
		CreatedAt: uint64(time.Now().Unix()),
		Members:   creator,
	}).Error
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddGroupMember inserts username into the roster if absent.
func (s *Store) AddGroupMember(name, username string) error {
	return s.updateMembers(name, func(members []string) []string {
		for _, m := range members {
			if m == username {
				return members
			}
		}
		return append(members, username)
	})
}

// RemoveGroupMember removes username from the roster; the record survives
// an empty member list.
func (s *Store) RemoveGroupMember(name, username string) error {
	return s.updateMembers(name, func(members []string) []string {
		for i, m := range members {
			if m == username {
				return append(members[:i], members[i+1:]...)
			}
		}
		return members
	})
}

// GroupMembers returns the roster of one group.
func (s *Store) GroupMembers(name string) ([]string, error) {
	var model groupModel
	err := s.db.Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return splitMembers(model.Members), nil
}

// IsGroupMember reports whether username belongs to the group.
func (s *Store) IsGroupMember(name, username string) (bool, error) {
	members, err := s.GroupMembers(name)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == username {
			return true, nil
		}
	}
	return false, nil
}

// GroupsWithMembership lists every group paired with username's membership.
func (s *Store) GroupsWithMembership(username string) ([]store.GroupMembership, error) {
	var models []groupModel
	if err := s.db.Find(&models).Error; err != nil {
		return nil, err
	}
	result := make([]store.GroupMembership, 0, len(models))
	for _, m := range models {
		member := false
		for _, name := range splitMembers(m.Members) {
			if name == username {
				member = true
				break
			}
		}
		result = append(result, store.GroupMembership{Name: m.Name, Member: member})
	}
	return result, nil
}

func (s *Store) updateMembers(name string, mutate func([]string) []string) error {
	var model groupModel
	err := s.db.Where("name = ?", name).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	members := mutate(splitMembers(model.Members))
	return s.db.Model(&groupModel{}).Where("name = ?", name).
		Update("members", strings.Join(members, ";")).Error
}

func splitMembers(joined string) []string {
	var members []string
	for _, m := range strings.Split(joined, ";") {
		if m != "" {
			members = append(members, m)
		}
	}
	return members
}

func toMessage(m messageModel) store.Message {
	return store.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		IsGroup:   m.IsGroup,
		IsFile:    m.IsFile,
		Filename:  m.Filename,
	}
}

func reverseMessages(models []messageModel) []store.Message {
	msgs := make([]store.Message, len(models))
	for i, m := range models {
		msgs[len(models)-1-i] = toMessage(m)
	}
	return msgs
}
