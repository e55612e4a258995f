package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arbflow/logger"
	"arbflow/models"
)

const writeTimeout = 10 * time.Second

// Session is one dashboard subscriber. Events queue in a bounded deque; on
// overflow the oldest non-best event is shed and the stale flag raised. The
// best-opportunity slot is held separately so overflow never sheds it and it
// may jump ahead of bulk data; a newer best replaces one not yet delivered.
type Session struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	pending   []models.Event
	best      *models.Event
	stale     bool
	max       int
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Entry
}

func newSession(conn *websocket.Conn, queueSize int) *Session {
	return &Session{
		conn:   conn,
		max:    queueSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    logger.GetLogger().WithComponent("hub_session"),
	}
}

func (s *Session) enqueue(ev models.Event, isBest bool) {
	s.mu.Lock()
	if isBest {
		s.best = &ev
	} else {
		if len(s.pending) >= s.max {
			s.pending = s.pending[1:]
			s.stale = true
			logger.IncrementDroppedBroadcast()
		}
		s.pending = append(s.pending, ev)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the best slot first, then the FIFO queue. The stale flag is
// consumed onto the popped event.
func (s *Session) next() (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ev models.Event
	switch {
	case s.best != nil:
		ev = *s.best
		s.best = nil
	case len(s.pending) > 0:
		ev = s.pending[0]
		s.pending = s.pending[1:]
	default:
		return models.Event{}, false
	}

	if s.stale {
		ev.Stale = true
		s.stale = false
	}
	return ev, true
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.log.WithError(err).Debug("session write failed")
				s.close(websocket.CloseAbnormalClosure)
				return
			}
		}
	}
}

// readLoop discards client frames and reaps the session when the peer goes
// away.
func (s *Session) readLoop(onClose func(*Session)) {
	defer onClose(s)
	s.conn.SetReadLimit(1 << 16)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.close(websocket.CloseAbnormalClosure)
			return
		}
	}
}

func (s *Session) close(code int) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.conn.Close()
		close(s.done)
	})
}
