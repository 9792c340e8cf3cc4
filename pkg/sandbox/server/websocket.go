/*
Copyright 2026 The Sandboxd Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sandboxops/sandboxd/pkg/sandbox/event"
	"github.com/sandboxops/sandboxd/pkg/sandbox/output/log"
)

const (
	// wsReadTimeout is the idle receive window; expiry sends a keepalive
	// rather than closing the socket.
	wsReadTimeout = 30 * time.Second

	// wsWriteTimeout is the send deadline per frame. A sink that cannot
	// take a frame within it is evicted by the bus.
	wsWriteTimeout = 10 * time.Second
)

// wsSink adapts one WebSocket connection to the event bus. Sends are
// serialized: the bus drain goroutine and the keepalive path share the
// connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(ev)
}

func (s *wsSink) sendText(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Close sends a close frame before dropping the connection so clients see a
// clean shutdown instead of a broken pipe.
func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
	return s.conn.Close()
}

func (s *Server) handleProgressSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if s.originAllowed(origin) {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Entry(r.Context()).Debugf("websocket upgrade for %q: %v", id, err)
		return
	}

	sink := &wsSink{conn: conn}
	s.bus.Subscribe(id, sink)
	log.Entry(r.Context()).Debugf("websocket subscriber joined %q", id)

	defer func() {
		s.bus.Unsubscribe(id, sink)
		conn.Close()
		log.Entry(r.Context()).Debugf("websocket subscriber left %q", id)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Idle client; keep the socket warm.
				if err := sink.Send(event.New(event.Keepalive, id, event.KeepalivePayload{})); err != nil {
					return
				}
				continue
			}
			return
		}
		if string(msg) == "ping" {
			if err := sink.sendText("pong"); err != nil {
				return
			}
		}
	}
}
