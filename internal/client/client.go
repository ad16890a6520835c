// Package client is the broker's protocol library: it maintains one framed
// TCP connection, serialises outbound frames, and turns inbound frames into
// typed events delivered to a single handler.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linhpt111/chatc/internal/config"
	"github.com/linhpt111/chatc/internal/protocol"
)

// chunkDelay throttles outbound file chunks so a large upload cannot starve
// the connection.
const chunkDelay = time.Millisecond

// Handler receives every event, invoked from the reader loop.
type Handler func(Event)

// download tracks one incoming file being written to disk.
type download struct {
	filename string
	size     uint32
	received uint32
	sender   string
	file     *os.File
	path     string
}

// Client is one authenticated connection to the broker.
type Client struct {
	conn         net.Conn
	handler      Handler
	username     string
	downloadsDir string

	// sendMu serialises frame emission so header and payload never
	// interleave across goroutines.
	sendMu sync.Mutex

	mu        sync.Mutex
	online    []string
	downloads map[uint32]*download
	closed    bool

	counter atomic.Uint32
	nonce   uint32
}

// Connect dials the broker, claims cfg.Username, and starts the reader
// loop. The login outcome arrives on the handler as an AckEvent or
// ErrorEvent.
func Connect(cfg config.ClientConfig, handler Handler) (*Client, error) {
	username := protocol.TruncateName(cfg.Username)
	if username == "" {
		return nil, errors.New("client: username required")
	}

	conn, err := net.DialTimeout("tcp", cfg.ServerAddr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}

	c := &Client{
		conn:         conn,
		handler:      handler,
		username:     username,
		downloadsDir: cfg.DownloadsDir,
		downloads:    make(map[uint32]*download),
		nonce:        uuid.New().ID(),
	}
	if c.downloadsDir == "" {
		c.downloadsDir = "downloads"
	}

	if err := c.send(protocol.MsgLogin, "", 0, nil); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// Username returns the name this client logged in with.
func (c *Client) Username() string { return c.username }

// OnlineUsers returns a copy of the last roster received from the broker.
func (c *Client) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, len(c.online))
	copy(users, c.online)
	return users
}

// Close sends LOGOUT and tears down the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.send(protocol.MsgLogout, "", 0, nil)
	return c.conn.Close()
}

// Subscribe joins a topic; joining a group topic creates it on first use.
func (c *Client) Subscribe(topic string) error {
	return c.send(protocol.MsgSubscribe, topic, 0, nil)
}

// Unsubscribe leaves a topic.
func (c *Client) Unsubscribe(topic string) error {
	return c.send(protocol.MsgUnsubscribe, topic, 0, nil)
}

// SendDirect sends a text message to one user over the canonical DM topic.
func (c *Client) SendDirect(recipient, message string) error {
	topic := protocol.DMTopic(c.username, recipient)
	return c.send(protocol.MsgPublishText, topic, c.nextMessageID(), []byte(message))
}

// SendGroup sends a text message to a group topic.
func (c *Client) SendGroup(group, message string) error {
	return c.send(protocol.MsgPublishText, group, c.nextMessageID(), []byte(message))
}

// SendGame relays an opaque game payload to one user. The topic field
// carries the peer's username.
func (c *Client) SendGame(recipient, payload string) error {
	return c.send(protocol.MsgGame, recipient, c.nextMessageID(), []byte(payload))
}

// RequestUserList asks for the online roster; the reply arrives as a
// UserListEvent.
func (c *Client) RequestUserList() error {
	return c.send(protocol.MsgRequestUserList, "", 0, nil)
}

// RequestHistory asks for the last page of a conversation; replies arrive
// as HistoryEvents terminated by an AckEvent.
func (c *Client) RequestHistory(topic string) error {
	return c.send(protocol.MsgRequestHistory, topic, 0, nil)
}

// DMTopicWith resolves the canonical DM topic shared with peer.
func (c *Client) DMTopicWith(peer string) string {
	return protocol.DMTopic(c.username, peer)
}

// SendFileToUser streams a local file to one user.
func (c *Client) SendFileToUser(recipient, path string) error {
	return c.sendFile(protocol.DMTopic(c.username, recipient), path)
}

// SendFileToGroup streams a local file to a group topic.
func (c *Client) SendFileToGroup(group, path string) error {
	return c.sendFile(group, path)
}

func (c *Client) sendFile(topic, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > int64(^uint32(0)) {
		return fmt.Errorf("file too large: %d bytes", info.Size())
	}
	size := uint32(info.Size())
	filename := filepath.Base(path)

	id := c.nextMessageID()
	meta := protocol.EncodeFileMeta(protocol.FileMeta{Filename: filename, Size: size})
	if err := c.send(protocol.MsgPublishFile, topic, id, meta); err != nil {
		return err
	}

	buf := make([]byte, protocol.FileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := c.send(protocol.MsgFileData, topic, id, buf[:n]); err != nil {
				return err
			}
			time.Sleep(chunkDelay)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read file: %w", err)
		}
	}
}

func (c *Client) send(msgType uint32, topic string, messageID uint32, payload []byte) error {
	h := protocol.Header{
		Type:      msgType,
		MessageID: messageID,
		Timestamp: uint64(time.Now().Unix()),
	}
	h.SetSender(c.username)
	h.SetTopic(topic)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteFrame(c.conn, h, payload)
}

// nextMessageID derives a process-unique id from a monotonic counter and a
// per-process random nonce, so concurrent clients are unlikely to collide.
func (c *Client) nextMessageID() uint32 {
	return c.counter.Add(1) ^ c.nonce
}

func (c *Client) readLoop() {
	dec := protocol.NewDecoder(c.conn, 0)
	for {
		h, payload, err := dec.Decode()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			c.emit(DisconnectedEvent{Err: err})
			return
		}
		c.handleFrame(h, payload)
	}
}

func (c *Client) handleFrame(h protocol.Header, payload []byte) {
	switch h.Type {
	case protocol.MsgPublishText:
		c.emit(MessageEvent{
			Sender:    h.SenderName(),
			Topic:     h.TopicName(),
			Content:   string(payload),
			Timestamp: h.Timestamp,
		})
	case protocol.MsgPublishFile:
		c.openDownload(h, payload)
	case protocol.MsgFileData:
		c.appendDownload(h, payload)
	case protocol.MsgAck:
		c.emit(AckEvent{Status: string(payload)})
	case protocol.MsgError:
		c.emit(ErrorEvent{Reason: string(payload)})
	case protocol.MsgUserOnline:
		c.setUserOnline(string(payload), true)
	case protocol.MsgUserOffline:
		c.setUserOnline(string(payload), false)
	case protocol.MsgUserList:
		users := splitList(string(payload))
		c.mu.Lock()
		c.online = users
		c.mu.Unlock()
		c.emit(UserListEvent{Users: users})
	case protocol.MsgHistoryData:
		c.emit(HistoryEvent{
			Sender:    h.SenderName(),
			Topic:     h.TopicName(),
			Content:   string(payload),
			Timestamp: h.Timestamp,
		})
	case protocol.MsgGroupCreated:
		c.emit(GroupCreatedEvent{Name: string(payload), Creator: h.SenderName()})
	case protocol.MsgGroupList:
		c.emit(GroupListEvent{Groups: parseGroupList(string(payload))})
	case protocol.MsgGame:
		c.emit(GameEvent{From: h.SenderName(), Payload: string(payload)})
	}
}

func (c *Client) setUserOnline(username string, online bool) {
	c.mu.Lock()
	kept := c.online[:0]
	for _, u := range c.online {
		if u != username {
			kept = append(kept, u)
		}
	}
	c.online = kept
	if online {
		c.online = append(c.online, username)
	}
	c.mu.Unlock()
	c.emit(UserStatusEvent{Username: username, Online: online})
}

// openDownload starts writing an incoming file under the downloads
// directory, creating it on first use. An existing file is overwritten.
func (c *Client) openDownload(h protocol.Header, payload []byte) {
	meta, err := protocol.DecodeFileMeta(payload)
	if err != nil {
		c.emit(ErrorEvent{Reason: "invalid file metadata from " + h.SenderName()})
		return
	}

	if err := os.MkdirAll(c.downloadsDir, 0o755); err != nil {
		c.emit(ErrorEvent{Reason: "create downloads dir: " + err.Error()})
		return
	}
	path := filepath.Join(c.downloadsDir, filepath.Base(meta.Filename))
	f, err := os.Create(path)
	if err != nil {
		c.emit(ErrorEvent{Reason: "create download: " + err.Error()})
		return
	}

	dl := &download{
		filename: meta.Filename,
		size:     meta.Size,
		sender:   h.SenderName(),
		file:     f,
		path:     path,
	}

	c.mu.Lock()
	if old, ok := c.downloads[h.MessageID]; ok {
		old.file.Close()
	}
	c.downloads[h.MessageID] = dl
	c.mu.Unlock()

	// A zero-byte file has no chunks to wait for.
	if meta.Size == 0 {
		c.finishDownload(h.MessageID, dl)
	}
}

func (c *Client) appendDownload(h protocol.Header, payload []byte) {
	c.mu.Lock()
	dl, ok := c.downloads[h.MessageID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if _, err := dl.file.Write(payload); err != nil {
		c.emit(ErrorEvent{Reason: "write download: " + err.Error()})
		return
	}
	dl.received += uint32(len(payload))
	c.emit(FileProgressEvent{
		Sender:   dl.sender,
		Filename: dl.filename,
		Received: dl.received,
		Size:     dl.size,
	})

	if dl.received >= dl.size {
		c.finishDownload(h.MessageID, dl)
	}
}

func (c *Client) finishDownload(id uint32, dl *download) {
	dl.file.Close()
	c.mu.Lock()
	delete(c.downloads, id)
	c.mu.Unlock()
	c.emit(FileEvent{
		Sender:   dl.sender,
		Filename: dl.filename,
		Size:     dl.size,
		Path:     dl.path,
	})
}

func (c *Client) emit(ev Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

func splitList(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ";")
}

func parseGroupList(joined string) []GroupStatus {
	var groups []GroupStatus
	for _, entry := range splitList(joined) {
		name, flag, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		groups = append(groups, GroupStatus{Name: name, Member: flag == "1"})
	}
	return groups
}
