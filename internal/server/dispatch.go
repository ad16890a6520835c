package server

import (
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/linhpt111/chatc/internal/protocol"
	"github.com/linhpt111/chatc/internal/store"
)

// Wire status strings. These are part of the protocol surface; clients match
// on them.
const (
	ackLoginOK      = "Login successful"
	ackPublished    = "Message published"
	ackFileReady    = "Ready to receive file"
	ackFileComplete = "File transfer complete"
	ackHistorySent  = "History sent"

	errNameTaken  = "Username already taken"
	errNoTransfer = "No active file transfer"
	errBadMeta    = "Invalid file metadata"
)

func (a *App) handleLogin(conn *Conn, h protocol.Header) {
	username := h.SenderName()
	if username == "" || !a.clients.Add(username, conn) {
		a.sendError(conn, errNameTaken)
		return
	}
	log.Printf("user logged in user=%s remote=%s", username, conn.RemoteAddr())

	if err := a.store.SaveUser(username); err != nil {
		log.Printf("persist user user=%s: %v", username, err)
	}

	a.sendAck(conn, ackLoginOK)
	a.broadcastUserStatus(username, true)
	a.sendUserList(conn)
	a.sendGroupListAndSubscribe(conn, username)
}

func (a *App) handleSubscribe(conn *Conn, h protocol.Header) {
	topic := h.TopicName()
	username := a.clients.Username(conn)

	a.topics.Subscribe(topic, username)
	log.Printf("subscribed user=%s topic=%s", username, topic)

	if !protocol.IsDMTopic(topic) {
		created, err := a.store.CreateGroup(topic, username)
		if err != nil {
			log.Printf("persist group group=%s: %v", topic, err)
		}
		if err := a.store.AddGroupMember(topic, username); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("persist membership group=%s user=%s: %v", topic, username, err)
		}
		if created {
			a.broadcastNewGroup(topic, username)
		}
	}

	a.sendAck(conn, "Subscribed to "+topic)
}

func (a *App) handleUnsubscribe(conn *Conn, h protocol.Header) {
	topic := h.TopicName()
	username := a.clients.Username(conn)

	a.topics.Unsubscribe(topic, username)

	if !protocol.IsDMTopic(topic) {
		if err := a.store.RemoveGroupMember(topic, username); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("remove membership group=%s user=%s: %v", topic, username, err)
		}
	}

	log.Printf("unsubscribed user=%s topic=%s", username, topic)
	a.sendAck(conn, "Unsubscribed from "+topic)
}

func (a *App) handlePublishText(conn *Conn, h protocol.Header, payload []byte) {
	topic := h.TopicName()
	sender := h.SenderName()
	content := string(payload)

	if protocol.IsDMTopic(topic) {
		recipient := protocol.DMPeer(topic, sender)
		if _, err := a.store.SaveMessage(sender, recipient, content, false, false, ""); err != nil {
			log.Printf("persist message sender=%s: %v", sender, err)
		}
	} else {
		if _, err := a.store.SaveMessage(sender, topic, content, true, false, ""); err != nil {
			log.Printf("persist message sender=%s: %v", sender, err)
		}
	}

	a.forwardToTopic(h, payload, topic, sender)
	a.sendAck(conn, ackPublished)
}

func (a *App) handlePublishFile(conn *Conn, h protocol.Header, payload []byte) {
	topic := h.TopicName()
	sender := h.SenderName()

	meta, err := protocol.DecodeFileMeta(payload)
	if err != nil {
		a.sendError(conn, errBadMeta)
		return
	}
	log.Printf("file offered sender=%s topic=%s name=%s size=%d id=%d",
		sender, topic, meta.Filename, meta.Size, h.MessageID)

	a.transfers.Open(h.MessageID, meta.Filename, meta.Size, sender, topic)

	marker := "[FILE] " + meta.Filename
	if protocol.IsDMTopic(topic) {
		recipient := protocol.DMPeer(topic, sender)
		if _, err := a.store.SaveMessage(sender, recipient, marker, false, true, meta.Filename); err != nil {
			log.Printf("persist file message sender=%s: %v", sender, err)
		}
	} else {
		if _, err := a.store.SaveMessage(sender, topic, marker, true, true, meta.Filename); err != nil {
			log.Printf("persist file message sender=%s: %v", sender, err)
		}
	}

	a.forwardToTopic(h, payload, topic, sender)
	a.sendAck(conn, ackFileReady)
}

func (a *App) handleFileData(conn *Conn, h protocol.Header, payload []byte) {
	id := h.MessageID
	if !a.transfers.Exists(id) {
		a.sendError(conn, errNoTransfer)
		return
	}

	a.transfers.Append(id, uint32(len(payload)))

	// Route from the transfer record, not the frame's topic field.
	topic := a.transfers.Recipient(id)
	sender := a.transfers.Sender(id)
	a.forwardToTopic(h, payload, topic, sender)

	if a.transfers.IsComplete(id) {
		log.Printf("file transfer complete id=%d sender=%s", id, sender)
		a.transfers.Drop(id)
		a.sendAck(conn, ackFileComplete)
	}
	// No per-chunk acks.
}

func (a *App) handleRequestHistory(conn *Conn, h protocol.Header) {
	topic := h.TopicName()
	username := a.clients.Username(conn)

	var (
		msgs []store.Message
		err  error
	)
	if protocol.IsDMTopic(topic) {
		other := protocol.DMPeer(topic, username)
		msgs, err = a.store.DMHistory(username, other, a.cfg.HistoryLimit)
	} else {
		msgs, err = a.store.TopicHistory(topic, a.cfg.HistoryLimit)
	}
	if err != nil {
		log.Printf("load history topic=%s: %v", topic, err)
	}

	for _, msg := range msgs {
		content := msg.Content
		if msg.IsFile {
			content = "[FILE] " + msg.Filename
		}
		hist := protocol.Header{
			Type:      protocol.MsgHistoryData,
			MessageID: msg.ID,
			Timestamp: msg.Timestamp,
		}
		hist.SetSender(msg.Sender)
		hist.SetTopic(topic)
		if err := conn.WriteFrame(hist, []byte(content)); err != nil {
			log.Printf("send history remote=%s: %v", conn.RemoteAddr(), err)
			return
		}
	}

	a.sendAck(conn, ackHistorySent)
}

// handleGame relays an opaque game frame. The topic field carries the peer
// username, not a topic.
func (a *App) handleGame(_ *Conn, h protocol.Header, payload []byte) {
	recipient := h.TopicName()
	peer := a.clients.Conn(recipient)
	if peer == nil {
		return
	}
	if err := peer.WriteFrame(h, payload); err != nil {
		log.Printf("forward game to=%s: %v", recipient, err)
	}
}

// forwardToTopic relays a frame verbatim: to the DM peer for a DM topic,
// otherwise to every subscriber except the sender. Missing peers are
// skipped; per-leg failures are logged and do not stop the fan-out.
func (a *App) forwardToTopic(h protocol.Header, payload []byte, topic, sender string) {
	if protocol.IsDMTopic(topic) {
		recipient := protocol.DMPeer(topic, sender)
		if peer := a.clients.Conn(recipient); peer != nil {
			if err := peer.WriteFrame(h, payload); err != nil {
				log.Printf("forward to=%s: %v", recipient, err)
			}
		}
		return
	}

	for _, subscriber := range a.topics.Subscribers(topic) {
		if subscriber == sender {
			continue
		}
		peer := a.clients.Conn(subscriber)
		if peer == nil {
			continue
		}
		if err := peer.WriteFrame(h, payload); err != nil {
			log.Printf("forward topic=%s to=%s: %v", topic, subscriber, err)
		}
	}
}

// broadcastUserStatus tells every other connected client that username came
// online or went offline.
func (a *App) broadcastUserStatus(username string, online bool) {
	msgType := protocol.MsgUserOffline
	if online {
		msgType = protocol.MsgUserOnline
	}
	h := serverHeader(msgType)
	h.SetSender(username)

	for name, peer := range a.clients.Snapshot() {
		if name == username {
			continue
		}
		if err := peer.WriteFrame(h, []byte(username)); err != nil {
			log.Printf("broadcast status to=%s: %v", name, err)
		}
	}
}

// sendUserList sends the online roster to one client, excluding the client
// itself. Names are sorted for a stable wire encoding.
func (a *App) sendUserList(conn *Conn) {
	current := a.clients.Username(conn)

	var names []string
	for name := range a.clients.Snapshot() {
		if name != current {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	h := serverHeader(protocol.MsgUserList)
	if err := conn.WriteFrame(h, []byte(strings.Join(names, ";"))); err != nil {
		log.Printf("send user list remote=%s: %v", conn.RemoteAddr(), err)
	}
}

// broadcastNewGroup announces a first-ever group creation to every
// connected client, creator included.
func (a *App) broadcastNewGroup(name, creator string) {
	h := serverHeader(protocol.MsgGroupCreated)
	h.SetSender(creator)
	h.SetTopic(name)

	log.Printf("group created group=%s creator=%s", name, creator)
	for peer, conn := range a.clients.Snapshot() {
		if err := conn.WriteFrame(h, []byte(name)); err != nil {
			log.Printf("broadcast group to=%s: %v", peer, err)
		}
	}
}

// sendGroupListAndSubscribe sends the persisted group roster to a freshly
// logged-in client and re-subscribes it to every group it belongs to.
func (a *App) sendGroupListAndSubscribe(conn *Conn, username string) {
	memberships, err := a.store.GroupsWithMembership(username)
	if err != nil {
		log.Printf("load groups user=%s: %v", username, err)
	}

	entries := make([]string, 0, len(memberships))
	for _, m := range memberships {
		flag := "0"
		if m.Member {
			flag = "1"
			a.topics.Subscribe(m.Name, username)
			log.Printf("auto-subscribed user=%s group=%s", username, m.Name)
		}
		entries = append(entries, m.Name+":"+flag)
	}

	h := serverHeader(protocol.MsgGroupList)
	if err := conn.WriteFrame(h, []byte(strings.Join(entries, ";"))); err != nil {
		log.Printf("send group list user=%s: %v", username, err)
	}
}

func (a *App) sendAck(conn *Conn, status string) {
	if err := conn.WriteFrame(serverHeader(protocol.MsgAck), []byte(status)); err != nil {
		log.Printf("send ack remote=%s: %v", conn.RemoteAddr(), err)
	}
}

func (a *App) sendError(conn *Conn, reason string) {
	if err := conn.WriteFrame(serverHeader(protocol.MsgError), []byte(reason)); err != nil {
		log.Printf("send error remote=%s: %v", conn.RemoteAddr(), err)
	}
}

func serverHeader(msgType uint32) protocol.Header {
	return protocol.Header{
		Type:      msgType,
		Timestamp: uint64(time.Now().Unix()),
	}
}
