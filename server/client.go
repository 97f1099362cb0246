package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/codeload/loader"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse/async"
)

// WebSocket timeouts, per the gorilla chat example
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Job streams are one-way; inbound frames are only control traffic
	maxMessageSize = 512
)

// Client is one websocket following a single job
type Client struct {
	server  *Server
	conn    *websocket.Conn
	jobID   string
	send    chan *JobUpdateMessage
	updates chan *async.Job
	closed  chan struct{}
}

// HandleJobStream handles GET /api/jobs/{id}/stream. The current job view is
// sent immediately, then every update until the job completes or fails.
func (s *Server) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	id, err := urlParam(r, "id")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	// Subscribe before reading the job so no transition falls between them
	updates := s.deps.Queue.Subscribe()
	job, err := s.deps.Queue.GetJob(r.Context(), id)
	if err != nil {
		s.deps.Queue.Unsubscribe(updates)
		s.writeServiceError(w, r, err)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Queue.Unsubscribe(updates)
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldJobID, shortID(id), logger.FieldError, err)
		return
	}

	c := &Client{
		server:  s,
		conn:    conn,
		jobID:   id,
		send:    make(chan *JobUpdateMessage, 1),
		updates: updates,
		closed:  make(chan struct{}),
	}
	if !c.server.register(c) {
		s.deps.Queue.Unsubscribe(updates)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server draining"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c.send <- newJobUpdate(job)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
}

func newJobUpdate(job *async.Job) *JobUpdateMessage {
	return &JobUpdateMessage{
		Type: "job_update",
		Job:  loader.NewJobView(job),
		Done: job.State.IsTerminal(),
	}
}

// readPump discards inbound frames and notices when the peer goes away
func (c *Client) readPump() {
	defer close(c.closed)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debugw("Job stream read error",
					logger.FieldJobID, shortID(c.jobID),
					logger.FieldError, err)
			}
			return
		}
	}
}

// writePump forwards queue updates for this job. It owns the connection and
// closes it on exit.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.server.deps.Queue.Unsubscribe(c.updates)
		c.server.unregister(c)
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
			if msg.Done {
				c.closeNormally()
				return
			}
		case job := <-c.updates:
			if job == nil || job.ID != c.jobID {
				continue
			}
			msg := newJobUpdate(job)
			if !c.write(msg) {
				return
			}
			if msg.Done {
				c.closeNormally()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(msg *JobUpdateMessage) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.server.logger.Debugw("Job stream write error",
			logger.FieldJobID, shortID(c.jobID),
			logger.FieldError, err)
		return false
	}
	return true
}

func (c *Client) closeNormally() {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
		time.Now().Add(writeWait))
}
