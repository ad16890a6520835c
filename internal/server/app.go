// Package server implements the broker: the TCP acceptor, the in-memory
// registries, and the frame dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/linhpt111/chatc/internal/config"
	"github.com/linhpt111/chatc/internal/protocol"
	"github.com/linhpt111/chatc/internal/store"
)

// App coordinates the listener, per-connection readers, and dispatch.
type App struct {
	cfg       config.ServerConfig
	store     store.Store
	clients   *ClientRegistry
	topics    *TopicRegistry
	transfers *TransferRegistry

	listenerMu sync.Mutex
	listener   net.Listener
	closeOnce  sync.Once

	// dispatchMu serialises one frame's entire dispatch: registry access,
	// persistence, and fan-out writes. This yields a total order on logical
	// events at the cost of head-of-line blocking on slow peers.
	dispatchMu sync.Mutex
}

// NewApp constructs a broker instance using the provided dependencies.
func NewApp(cfg config.ServerConfig, st store.Store) *App {
	return &App{
		cfg:       cfg,
		store:     st,
		clients:   NewClientRegistry(),
		topics:    NewTopicRegistry(),
		transfers: NewTransferRegistry(),
	}
}

// Run starts accepting connections until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	a.listenerMu.Lock()
	a.listener = listener
	a.listenerMu.Unlock()
	log.Printf("broker listening addr=%s", listener.Addr())

	errCh := make(chan error, 1)

	go func() {
		<-ctx.Done()
		a.closeOnce.Do(func() {
			_ = listener.Close()
		})
	}()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					errCh <- nil
					return
				}
				errCh <- err
				return
			}
			go a.handleConnection(conn)
		}
	}()

	return <-errCh
}

// Addr reports the bound listener address, or nil before Run has bound it.
func (a *App) Addr() net.Addr {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Stats returns the current registry sizes.
func (a *App) Stats() (clients, topics, transfers int) {
	return a.clients.Count(), a.topics.Count(), a.transfers.Count()
}

func (a *App) handleConnection(nc net.Conn) {
	conn := newConn(nc, a.cfg.WriteTimeout)
	decoder := protocol.NewDecoder(nc, a.cfg.MaxFrameBytes)
	log.Printf("client connected remote=%s", conn.RemoteAddr())

	for {
		h, payload, err := decoder.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("read frame remote=%s: %v", conn.RemoteAddr(), err)
			}
			a.disconnect(conn)
			return
		}
		if done := a.dispatch(conn, h, payload); done {
			return
		}
	}
}

// dispatch routes one inbound frame. It reports true when the connection
// was torn down and the reader should stop.
func (a *App) dispatch(conn *Conn, h protocol.Header, payload []byte) bool {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()

	switch h.Type {
	case protocol.MsgLogin:
		a.handleLogin(conn, h)
	case protocol.MsgLogout:
		a.disconnectLocked(conn)
		return true
	case protocol.MsgSubscribe:
		a.handleSubscribe(conn, h)
	case protocol.MsgUnsubscribe:
		a.handleUnsubscribe(conn, h)
	case protocol.MsgPublishText:
		a.handlePublishText(conn, h, payload)
	case protocol.MsgPublishFile:
		a.handlePublishFile(conn, h, payload)
	case protocol.MsgFileData:
		a.handleFileData(conn, h, payload)
	case protocol.MsgRequestUserList:
		a.sendUserList(conn)
	case protocol.MsgRequestHistory:
		a.handleRequestHistory(conn, h)
	case protocol.MsgGame:
		a.handleGame(conn, h, payload)
	default:
		// Reserved for future use; never fatal.
		log.Printf("ignoring unknown message type=%d remote=%s", h.Type, conn.RemoteAddr())
	}
	return false
}

// disconnect runs the teardown path for a connection whose reader exited.
func (a *App) disconnect(conn *Conn) {
	a.dispatchMu.Lock()
	defer a.dispatchMu.Unlock()
	a.disconnectLocked(conn)
}

func (a *App) disconnectLocked(conn *Conn) {
	username := a.clients.Remove(conn)
	if username != "" {
		a.topics.RemoveUserEverywhere(username)
		a.transfers.DropBySender(username)
		if err := a.store.SetUserOnline(username, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Printf("mark offline user=%s: %v", username, err)
		}
		log.Printf("user disconnected user=%s", username)
		a.broadcastUserStatus(username, false)
	}
	_ = conn.Close()
}
