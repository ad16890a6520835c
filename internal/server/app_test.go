package server_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/linhpt111/chatc/internal/config"
	"github.com/linhpt111/chatc/internal/protocol"
	"github.com/linhpt111/chatc/internal/server"
	"github.com/linhpt111/chatc/internal/store/csvstore"
)

const recvTimeout = 3 * time.Second

func startBroker(t *testing.T) (*server.App, string) {
	t.Helper()
	return startBrokerInDir(t, t.TempDir())
}

func startBrokerInDir(t *testing.T, dir string) (*server.App, string) {
	t.Helper()

	st, err := csvstore.New(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := config.ServerConfig{
		ListenAddr:    "127.0.0.1:0",
		DataDir:       dir,
		HistoryLimit:  50,
		MaxFrameBytes: 1 << 20,
		WriteTimeout:  5 * time.Second,
	}
	app := server.NewApp(cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("broker exited: %v", err)
			}
		case <-time.After(recvTimeout):
			t.Error("broker did not stop")
		}
	})

	deadline := time.Now().Add(recvTimeout)
	for app.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("broker never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return app, app.Addr().String()
}

// tclient is a raw protocol client used to drive the broker directly.
type tclient struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
	name string
}

func dialBroker(t *testing.T, addr, name string) *tclient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, recvTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &tclient{t: t, conn: conn, dec: protocol.NewDecoder(conn, 0), name: name}
	t.Cleanup(func() { conn.Close() })
	return c
}

func (c *tclient) send(msgType uint32, topic string, messageID uint32, payload []byte) {
	c.t.Helper()
	h := protocol.Header{
		Type:      msgType,
		MessageID: messageID,
		Timestamp: uint64(time.Now().Unix()),
	}
	h.SetSender(c.name)
	h.SetTopic(topic)
	if err := protocol.WriteFrame(c.conn, h, payload); err != nil {
		c.t.Fatalf("send type %d: %v", msgType, err)
	}
}

func (c *tclient) recv() (protocol.Header, []byte) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(recvTimeout))
	h, payload, err := c.dec.Decode()
	if err != nil {
		c.t.Fatalf("recv (%s): %v", c.name, err)
	}
	return h, payload
}

func (c *tclient) expect(msgType uint32) (protocol.Header, []byte) {
	c.t.Helper()
	h, payload := c.recv()
	if h.Type != msgType {
		c.t.Fatalf("%s: got type %d payload %q, want type %d", c.name, h.Type, payload, msgType)
	}
	return h, payload
}

func (c *tclient) expectAck(status string) {
	c.t.Helper()
	_, payload := c.expect(protocol.MsgAck)
	if string(payload) != status {
		c.t.Fatalf("%s: ack %q, want %q", c.name, payload, status)
	}
}

// expectSilence asserts no frame arrives within a grace window.
func (c *tclient) expectSilence() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	h, payload, err := c.dec.Decode()
	if err == nil {
		c.t.Fatalf("%s: unexpected frame type=%d payload=%q", c.name, h.Type, payload)
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		c.t.Fatalf("%s: expected read timeout, got %v", c.name, err)
	}
}

// login performs the LOGIN handshake and returns the USER_LIST payload.
func (c *tclient) login() string {
	c.t.Helper()
	c.send(protocol.MsgLogin, "", 0, nil)
	c.expectAck("Login successful")
	_, users := c.expect(protocol.MsgUserList)
	c.expect(protocol.MsgGroupList)
	return string(users)
}

func TestDMHappyPath(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	bob := dialBroker(t, addr, "bob")
	bob.login()
	alice.expect(protocol.MsgUserOnline)

	alice.send(protocol.MsgPublishText, "dm_alice_bob", 1, []byte("hi"))

	h, payload := bob.expect(protocol.MsgPublishText)
	if h.SenderName() != "alice" || h.TopicName() != "dm_alice_bob" || string(payload) != "hi" {
		t.Errorf("bob saw sender=%q topic=%q payload=%q", h.SenderName(), h.TopicName(), payload)
	}
	alice.expectAck("Message published")
	bob.expectSilence()
}

func TestGroupCreationBroadcast(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	bob := dialBroker(t, addr, "bob")
	bob.login()
	alice.expect(protocol.MsgUserOnline)

	alice.send(protocol.MsgSubscribe, "lunch", 0, nil)

	h, payload := alice.expect(protocol.MsgGroupCreated)
	if h.SenderName() != "alice" || h.TopicName() != "lunch" || string(payload) != "lunch" {
		t.Errorf("alice saw sender=%q topic=%q payload=%q", h.SenderName(), h.TopicName(), payload)
	}
	alice.expectAck("Subscribed to lunch")

	h, payload = bob.expect(protocol.MsgGroupCreated)
	if h.SenderName() != "alice" || string(payload) != "lunch" {
		t.Errorf("bob saw sender=%q payload=%q", h.SenderName(), payload)
	}

	// Re-subscribing an existing group must not broadcast again.
	bob.send(protocol.MsgSubscribe, "lunch", 0, nil)
	bob.expectAck("Subscribed to lunch")
	alice.expectSilence()
}

func TestFanOutExcludesSender(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	bob := dialBroker(t, addr, "bob")
	bob.login()
	carol := dialBroker(t, addr, "carol")
	carol.login()
	alice.expect(protocol.MsgUserOnline) // bob
	alice.expect(protocol.MsgUserOnline) // carol
	bob.expect(protocol.MsgUserOnline)   // carol

	for _, c := range []*tclient{alice, bob, carol} {
		c.send(protocol.MsgSubscribe, "team", 0, nil)
	}
	alice.expect(protocol.MsgGroupCreated)
	alice.expectAck("Subscribed to team")
	bob.expect(protocol.MsgGroupCreated)
	bob.expectAck("Subscribed to team")
	carol.expect(protocol.MsgGroupCreated)
	carol.expectAck("Subscribed to team")

	alice.send(protocol.MsgPublishText, "team", 2, []byte("hello"))

	for _, c := range []*tclient{bob, carol} {
		h, payload := c.expect(protocol.MsgPublishText)
		if h.SenderName() != "alice" || string(payload) != "hello" {
			t.Errorf("%s saw sender=%q payload=%q", c.name, h.SenderName(), payload)
		}
		c.expectSilence()
	}
	alice.expectAck("Message published")
	alice.expectSilence()
}

func TestFileRelay(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	bob := dialBroker(t, addr, "bob")
	bob.login()
	alice.expect(protocol.MsgUserOnline)

	meta := protocol.EncodeFileMeta(protocol.FileMeta{Filename: "notes.txt", Size: 10})
	alice.send(protocol.MsgPublishFile, "dm_alice_bob", 42, meta)
	alice.expectAck("Ready to receive file")

	h, payload := bob.expect(protocol.MsgPublishFile)
	if h.MessageID != 42 {
		t.Errorf("metadata id: got %d, want 42", h.MessageID)
	}
	gotMeta, err := protocol.DecodeFileMeta(payload)
	if err != nil || gotMeta.Filename != "notes.txt" || gotMeta.Size != 10 {
		t.Errorf("metadata: %+v err=%v", gotMeta, err)
	}

	alice.send(protocol.MsgFileData, "dm_alice_bob", 42, []byte("abcdef"))
	alice.send(protocol.MsgFileData, "dm_alice_bob", 42, []byte("ghij"))

	_, chunk1 := bob.expect(protocol.MsgFileData)
	_, chunk2 := bob.expect(protocol.MsgFileData)
	if string(chunk1) != "abcdef" || string(chunk2) != "ghij" {
		t.Errorf("chunks out of order: %q %q", chunk1, chunk2)
	}

	alice.expectAck("File transfer complete")

	// The transfer entry is gone; a late chunk is an error.
	alice.send(protocol.MsgFileData, "dm_alice_bob", 42, []byte("x"))
	_, reason := alice.expect(protocol.MsgError)
	if string(reason) != "No active file transfer" {
		t.Errorf("error: got %q", reason)
	}
}

func TestFileDataUnknownID(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()

	alice.send(protocol.MsgFileData, "dm_alice_bob", 999, []byte("zz"))
	_, reason := alice.expect(protocol.MsgError)
	if string(reason) != "No active file transfer" {
		t.Errorf("error: got %q", reason)
	}
}

func TestPresence(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	if users := alice.login(); users != "" {
		t.Errorf("first user list: got %q, want empty", users)
	}

	bob := dialBroker(t, addr, "bob")
	if users := bob.login(); users != "alice" {
		t.Errorf("bob's user list: got %q, want alice", users)
	}

	h, payload := alice.expect(protocol.MsgUserOnline)
	if h.SenderName() != "bob" || string(payload) != "bob" {
		t.Errorf("online: sender=%q payload=%q", h.SenderName(), payload)
	}

	bob.conn.Close()

	_, payload = alice.expect(protocol.MsgUserOffline)
	if string(payload) != "bob" {
		t.Errorf("offline: payload=%q", payload)
	}
}

func TestLoginConflict(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()

	imposter := dialBroker(t, addr, "alice")
	imposter.send(protocol.MsgLogin, "", 0, nil)
	_, reason := imposter.expect(protocol.MsgError)
	if string(reason) != "Username already taken" {
		t.Errorf("error: got %q", reason)
	}

	// The connection survives and can claim a free name.
	imposter.name = "bob"
	imposter.login()
	alice.expect(protocol.MsgUserOnline)
}

func TestUnknownTypeIgnored(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()

	alice.send(99, "", 0, []byte("mystery"))
	alice.send(protocol.MsgRequestUserList, "", 0, nil)
	_, users := alice.expect(protocol.MsgUserList)
	if string(users) != "" {
		t.Errorf("user list: got %q", users)
	}
}

func TestHistory(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	bob := dialBroker(t, addr, "bob")
	bob.login()
	alice.expect(protocol.MsgUserOnline)

	alice.send(protocol.MsgPublishText, "dm_alice_bob", 1, []byte("hi"))
	alice.expectAck("Message published")
	bob.expect(protocol.MsgPublishText)

	// Tear alice down and wait until the broker has processed it.
	alice.conn.Close()
	bob.expect(protocol.MsgUserOffline)

	again := dialBroker(t, addr, "alice")
	again.login()
	bob.expect(protocol.MsgUserOnline)

	again.send(protocol.MsgRequestHistory, "dm_alice_bob", 0, nil)
	h, payload := again.expect(protocol.MsgHistoryData)
	if h.SenderName() != "alice" || h.TopicName() != "dm_alice_bob" || string(payload) != "hi" {
		t.Errorf("history: sender=%q topic=%q payload=%q", h.SenderName(), h.TopicName(), payload)
	}
	if h.Timestamp == 0 {
		t.Error("history timestamp missing")
	}
	again.expectAck("History sent")
}

func TestHistoryFileMarker(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	bob := dialBroker(t, addr, "bob")
	bob.login()
	alice.expect(protocol.MsgUserOnline)

	meta := protocol.EncodeFileMeta(protocol.FileMeta{Filename: "notes.txt", Size: 2})
	alice.send(protocol.MsgPublishFile, "dm_alice_bob", 7, meta)
	alice.expectAck("Ready to receive file")
	alice.send(protocol.MsgFileData, "dm_alice_bob", 7, []byte("ok"))
	alice.expectAck("File transfer complete")
	bob.expect(protocol.MsgPublishFile)
	bob.expect(protocol.MsgFileData)

	bob.send(protocol.MsgRequestHistory, "dm_alice_bob", 0, nil)
	_, payload := bob.expect(protocol.MsgHistoryData)
	if string(payload) != "[FILE] notes.txt" {
		t.Errorf("file history row: got %q", payload)
	}
	bob.expectAck("History sent")
}

func TestGameRelay(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	bob := dialBroker(t, addr, "bob")
	bob.login()
	alice.expect(protocol.MsgUserOnline)

	// Topic field carries the peer username for game frames.
	alice.send(protocol.MsgGame, "bob", 0, []byte(`{"move":"e2e4"}`))

	h, payload := bob.expect(protocol.MsgGame)
	if h.SenderName() != "alice" || string(payload) != `{"move":"e2e4"}` {
		t.Errorf("game: sender=%q payload=%q", h.SenderName(), payload)
	}

	// No ACK, no persistence: the sender hears nothing back.
	alice.expectSilence()

	// A game frame to a missing peer vanishes silently.
	alice.send(protocol.MsgGame, "nobody", 0, []byte("ping"))
	alice.expectSilence()
}

func TestUnsubscribePersistedMembership(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()

	alice.send(protocol.MsgSubscribe, "lunch", 0, nil)
	alice.expect(protocol.MsgGroupCreated)
	alice.expectAck("Subscribed to lunch")

	alice.send(protocol.MsgUnsubscribe, "lunch", 0, nil)
	alice.expectAck("Unsubscribed from lunch")

	// The group record survives with alice removed: a fresh login sees the
	// group flagged as not-a-member.
	bob := dialBroker(t, addr, "bob")
	bob.send(protocol.MsgLogin, "", 0, nil)
	bob.expectAck("Login successful")
	bob.expect(protocol.MsgUserList)
	_, groups := bob.expect(protocol.MsgGroupList)
	if string(groups) != "lunch:0" {
		t.Errorf("group list: got %q, want lunch:0", groups)
	}
}

func TestAutoSubscribeOnLogin(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	alice.send(protocol.MsgSubscribe, "team", 0, nil)
	alice.expect(protocol.MsgGroupCreated)
	alice.expectAck("Subscribed to team")

	// Drop and come back: membership is persisted, so login re-subscribes.
	alice.conn.Close()

	again := dialBroker(t, addr, "alice")
	deadline := time.Now().Add(recvTimeout)
	for {
		again.send(protocol.MsgLogin, "", 0, nil)
		h, payload := again.recv()
		if h.Type == protocol.MsgAck {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("login never succeeded, last frame type=%d payload=%q", h.Type, payload)
		}
		time.Sleep(20 * time.Millisecond)
	}
	again.expect(protocol.MsgUserList)
	_, groups := again.expect(protocol.MsgGroupList)
	if string(groups) != "team:1" {
		t.Fatalf("group list: got %q, want team:1", groups)
	}

	// Another user's message reaches alice without an explicit re-subscribe.
	bob := dialBroker(t, addr, "bob")
	bob.login()
	again.expect(protocol.MsgUserOnline)
	bob.send(protocol.MsgSubscribe, "team", 0, nil)
	bob.expectAck("Subscribed to team")
	bob.send(protocol.MsgPublishText, "team", 3, []byte("back again"))
	bob.expectAck("Message published")

	_, payload := again.expect(protocol.MsgPublishText)
	if string(payload) != "back again" {
		t.Errorf("payload: got %q", payload)
	}
}

func TestEmptyPayloadDelivered(t *testing.T) {
	_, addr := startBroker(t)

	alice := dialBroker(t, addr, "alice")
	alice.login()
	bob := dialBroker(t, addr, "bob")
	bob.login()
	alice.expect(protocol.MsgUserOnline)

	alice.send(protocol.MsgPublishText, "dm_alice_bob", 4, nil)
	h, payload := bob.expect(protocol.MsgPublishText)
	if h.PayloadLen != 0 || len(payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(payload))
	}
	alice.expectAck("Message published")
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	_, addr1 := startBrokerInDir(t, dir)

	alice := dialBroker(t, addr1, "alice")
	alice.login()
	bob := dialBroker(t, addr1, "bob")
	bob.login()
	alice.expect(protocol.MsgUserOnline)
	alice.send(protocol.MsgPublishText, "dm_alice_bob", 1, []byte("before restart"))
	alice.expectAck("Message published")
	bob.expect(protocol.MsgPublishText)
	alice.conn.Close()
	bob.expect(protocol.MsgUserOffline)
	bob.conn.Close()

	// Second broker over the same data dir serves the old history.
	st, err := csvstore.New(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	cfg := config.ServerConfig{
		ListenAddr:    "127.0.0.1:0",
		DataDir:       dir,
		HistoryLimit:  50,
		MaxFrameBytes: 1 << 20,
		WriteTimeout:  5 * time.Second,
	}
	app2 := server.NewApp(cfg, st)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app2.Run(ctx)
	deadline := time.Now().Add(recvTimeout)
	for app2.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("second broker never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	again := dialBroker(t, app2.Addr().String(), "alice")
	again.login()
	again.send(protocol.MsgRequestHistory, "dm_alice_bob", 0, nil)
	_, payload := again.expect(protocol.MsgHistoryData)
	if string(payload) != "before restart" {
		t.Errorf("history after restart: got %q", payload)
	}
	again.expectAck("History sent")
}
