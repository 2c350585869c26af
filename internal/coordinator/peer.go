package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is the subset of *websocket.Conn the coordinator writes to. Reads stay
// with the caller's read loop.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type role string

const (
	roleAgent   role = "agent"
	roleBrowser role = "browser"
)

type outbound struct {
	data      []byte
	closeCode int
	closeText string
}

// Peer is one attached connection. Each peer has its own write pump so a
// slow or broken connection never blocks the coordinator.
type Peer struct {
	ID   string
	role role

	conn         Conn
	sendCh       chan outbound
	done         chan struct{}
	once         sync.Once
	pingInterval time.Duration
	logger       *slog.Logger
}

func newPeer(r role, conn Conn, buffer int, pingInterval time.Duration, logger *slog.Logger) *Peer {
	id := uuid.NewString()
	return &Peer{
		ID:           id,
		role:         r,
		conn:         conn,
		sendCh:       make(chan outbound, buffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		logger:       logger.With("peer", string(r), "peerId", id),
	}
}

// Done is closed once the peer's write pump has exited and its connection is
// closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// send queues data without blocking. It reports false when the queue is full
// or the pump has exited.
func (p *Peer) send(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.sendCh <- outbound{data: data}:
		return true
	default:
		return false
	}
}

// shutdown queues a close frame behind any pending messages. If the queue is
// saturated the pump is stopped immediately instead.
func (p *Peer) shutdown(code int, text string) {
	select {
	case p.sendCh <- outbound{closeCode: code, closeText: text}:
	default:
		p.once.Do(func() { close(p.done) })
	}
}

// writePump drains the send queue and pings the peer every pingInterval.
// onFail is called once if a write fails.
func (p *Peer) writePump(onFail func(*Peer, error)) {
	defer func() {
		p.once.Do(func() { close(p.done) })
		_ = p.conn.Close()
	}()

	var pings <-chan time.Time
	if p.pingInterval > 0 {
		ticker := time.NewTicker(p.pingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-pings:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Warn("Ping failed", "error", err)
				onFail(p, err)
				return
			}
		case msg := <-p.sendCh:
			if msg.closeCode != 0 {
				frame := websocket.FormatCloseMessage(msg.closeCode, msg.closeText)
				if err := p.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait)); err != nil {
					p.logger.Debug("Close frame not delivered", "error", err)
				}
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				p.logger.Warn("Write failed", "error", err)
				onFail(p, err)
				return
			}
		case <-p.done:
			return
		}
	}
}
