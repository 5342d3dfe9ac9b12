package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dhaslett/restreamd/internal/health"
	"github.com/dhaslett/restreamd/internal/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 50 * time.Second
)

// statsSocket serves the live stats WebSocket. A client follows one
// channel or all channels; the fanout pushes snapshot batches until
// the client unfollows or disconnects.
type statsSocket struct {
	fanout   *health.Fanout
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newStatsSocket(fanout *health.Fanout, logger *slog.Logger) *statsSocket {
	return &statsSocket{
		fanout: fanout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "stats-ws")),
	}
}

// wsRequest is a client control message.
type wsRequest struct {
	Action    string `json:"action"` // follow_channel, follow_all, unfollow
	ChannelID string `json:"channel_id,omitempty"`
}

// wsReply acknowledges a control message or reports an error.
type wsReply struct {
	Type  string `json:"type"` // ack, error
	Error string `json:"error,omitempty"`
}

// wsStatsFrame carries one snapshot batch.
type wsStatsFrame struct {
	Type      string            `json:"type"` // stats
	Snapshots []health.Snapshot `json:"snapshots"`
}

func (s *statsSocket) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &wsClient{
		socket: s,
		conn:   conn,
		send:   make(chan any, 16),
		done:   make(chan struct{}),
	}
	go client.writeLoop()
	client.readLoop()
}

// wsClient is one connected stats consumer. The read loop owns the
// subscription; the write loop owns the connection's write side. done
// closes when the read loop exits so forwarders never touch a dead
// connection.
type wsClient struct {
	socket *statsSocket
	conn   *websocket.Conn
	send   chan any
	done   chan struct{}

	sub  *health.StatsSubscription
	stop chan struct{}
}

func (c *wsClient) readLoop() {
	defer func() {
		c.unfollow()
		close(c.done)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		c.dispatch(req)
	}
}

func (c *wsClient) dispatch(req wsRequest) {
	switch req.Action {
	case "follow_channel":
		id, err := models.ParseULID(req.ChannelID)
		if err != nil {
			c.reply(wsReply{Type: "error", Error: "invalid channel_id"})
			return
		}
		c.unfollow()
		c.follow(c.socket.fanout.FollowChannel(id))
	case "follow_all":
		c.unfollow()
		c.follow(c.socket.fanout.FollowAll())
	case "unfollow":
		c.unfollow()
		c.reply(wsReply{Type: "ack"})
	default:
		c.reply(wsReply{Type: "error", Error: "unknown action: " + req.Action})
	}
}

func (c *wsClient) follow(sub *health.StatsSubscription) {
	if sub == nil {
		c.reply(wsReply{Type: "error", Error: "service is shutting down"})
		return
	}
	c.sub = sub
	c.stop = make(chan struct{})
	c.reply(wsReply{Type: "ack"})

	go func(sub *health.StatsSubscription, stop chan struct{}) {
		for {
			select {
			case <-stop:
				return
			case <-c.done:
				return
			case batch, ok := <-sub.Snapshots():
				if !ok {
					return
				}
				select {
				case c.send <- wsStatsFrame{Type: "stats", Snapshots: batch}:
				case <-c.done:
					return
				default:
				}
			}
		}
	}(sub, c.stop)
}

func (c *wsClient) unfollow() {
	if c.sub == nil {
		return
	}
	close(c.stop)
	c.socket.fanout.Unfollow(c.sub)
	c.sub = nil
	c.stop = nil
}

func (c *wsClient) reply(msg wsReply) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
