package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modelfront/ollabridge/pkg/logstore"
)

// handleLogTail streams the in-memory log ring over a websocket: the
// retained lines first, then live entries as they arrive.
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	entries, cancel := s.logs.Subscribe(64)
	defer cancel()

	// Entries added between Subscribe and Snapshot land in both; the
	// sequence check drops the duplicate from the live channel.
	var lastSeq int64
	for _, e := range s.logs.Snapshot() {
		if !writeLogEntry(conn, e) {
			return
		}
		lastSeq = e.Seq
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case e, ok := <-entries:
			if !ok {
				return
			}
			if e.Seq <= lastSeq {
				continue
			}
			if !writeLogEntry(conn, e) {
				return
			}
		}
	}
}

func writeLogEntry(conn *websocket.Conn, e logstore.Entry) bool {
	msg, err := json.Marshal(e)
	if err != nil {
		return true
	}
	return conn.WriteMessage(websocket.TextMessage, msg) == nil
}
