package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Cross-origin access is governed by the bearer token, not the
	// Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamFrame is one entry on the live frame stream.
type streamFrame struct {
	Subject    string          `json:"subject"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// handleFrameStream upgrades to a websocket and relays the raw gateway
// traffic until the client disconnects.
func (s *Server) handleFrameStream(w http.ResponseWriter, r *http.Request) {
	if s.nc == nil {
		s.respondError(w, http.StatusServiceUnavailable, "frame stream is not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	frames := make(chan streamFrame, 64)
	handler := func(msg *nats.Msg) {
		frame := streamFrame{
			Subject:    msg.Subject,
			ReceivedAt: time.Now().UTC(),
			Payload:    json.RawMessage(msg.Data),
		}
		select {
		case frames <- frame:
		default:
			// Drop when the client cannot keep up.
		}
	}

	subjects := []string{"gateway.*.rx", "gateway.*.tx", "gateway.*.ack"}
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := s.nc.Subscribe(subject, handler)
		if err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("api: frame stream subscribe failed")
			for _, s := range subs {
				s.Unsubscribe()
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
				time.Now().Add(time.Second))
			return
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	// The read loop only serves to detect the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case frame := <-frames:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
