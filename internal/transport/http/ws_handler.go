package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"quizroom-realtime/internal/app"
	"quizroom-realtime/internal/domain"
	"quizroom-realtime/internal/protocol"
)

// WSHandler exposes the room wire protocol over gorilla websockets. Each
// connection serves one client; commands arrive as envelopes and responses
// plus broadcasts are fanned back through a single writer goroutine.
type WSHandler struct {
	service  *app.RoomService
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.RoomService) *WSHandler {
	return &WSHandler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the request and runs the connection's read loop.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()

	send := make(chan protocol.Envelope, 32)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for env := range send {
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("ws %s write error: %v", connID, err)
				return
			}
		}
	}()

	var (
		roomCode     string
		userID       domain.UserID
		cancelEvents func()
		eventsDone   chan struct{}
	)
	defer func() {
		close(closeSignals)
		if cancelEvents != nil {
			cancelEvents()
			<-eventsDone
		}
		if roomCode != "" {
			h.service.Leave(r.Context(), roomCode, userID)
		}
		close(send)
		<-writerDone
	}()

	for {
		var inbound protocol.Envelope
		if err := conn.ReadJSON(&inbound); err != nil {
			return
		}

		switch inbound.Type {
		case protocol.EventJoinRoom:
			var payload protocol.JoinRoomPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.RoomCode == "" || payload.UserID.IsZero() {
				send <- errorEnvelope(protocol.EventJoinRoomError, "invalid join payload")
				continue
			}
			snap, err := h.service.Join(r.Context(), payload.RoomCode, payload.UserID, payload.DisplayName)
			if err != nil {
				send <- errorEnvelope(protocol.EventJoinRoomError, err.Error())
				continue
			}

			if cancelEvents == nil || roomCode != payload.RoomCode || userID != payload.UserID {
				if cancelEvents != nil {
					cancelEvents()
					<-eventsDone
				}
				events, cancel, err := h.service.Subscribe(r.Context(), payload.RoomCode, payload.UserID)
				if err != nil {
					send <- errorEnvelope(protocol.EventJoinRoomError, err.Error())
					continue
				}
				roomCode = payload.RoomCode
				userID = payload.UserID
				cancelEvents = cancel
				eventsDone = pumpEvents(events, send, closeSignals, writerDone)
			}

			if env, err := protocol.NewEnvelope(protocol.EventJoinRoomSuccess, snap); err == nil {
				send <- env
			}

		case protocol.EventStartQuiz:
			var payload protocol.StartQuizPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- errorEnvelope(protocol.EventStartQuizError, "invalid start payload")
				continue
			}
			if err := h.service.Start(r.Context(), payload.RoomCode, payload.UserID); err != nil {
				send <- errorEnvelope(protocol.EventStartQuizError, err.Error())
				continue
			}
			send <- protocol.Envelope{Type: protocol.EventStartQuizSuccess}

		case protocol.EventSubmitAnswer:
			var payload protocol.SubmitAnswerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				log.Printf("ws %s: invalid submit payload: %v", connID, err)
				continue
			}
			if err := h.service.SubmitAnswer(r.Context(), payload.RoomCode, payload.UserID, payload.QuestionID, payload.Answer); err != nil {
				log.Printf("ws %s: submit rejected: %v", connID, err)
			}

		case protocol.EventNextProblem:
			var payload protocol.NextProblemPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				log.Printf("ws %s: invalid advance payload: %v", connID, err)
				continue
			}
			if err := h.service.Advance(r.Context(), payload.RoomCode, payload.UserID, payload.Index); err != nil {
				log.Printf("ws %s: advance rejected: %v", connID, err)
			}

		case protocol.EventLeaveRoom:
			var payload protocol.LeaveRoomPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				continue
			}
			h.service.Leave(r.Context(), payload.RoomCode, payload.UserID)
			if cancelEvents != nil && roomCode == payload.RoomCode {
				cancelEvents()
				<-eventsDone
				cancelEvents = nil
				roomCode = ""
			}

		default:
			log.Printf("ws %s: unsupported message type %q", connID, inbound.Type)
		}
	}
}

// pumpEvents forwards room broadcasts into the connection's writer channel
// until the subscription is cancelled, the connection is going away, or the
// writer has already exited. Watching writerDone matters on the rebind path:
// a writer dead from a write error stops draining send, and waiting on the
// pump without it would block forever on a full channel.
func pumpEvents(events <-chan protocol.Envelope, send chan<- protocol.Envelope, closeSignals, writerDone <-chan struct{}) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case env, ok := <-events:
				if !ok {
					return
				}
				select {
				case send <- env:
				case <-closeSignals:
					return
				case <-writerDone:
					return
				}
			case <-closeSignals:
				return
			case <-writerDone:
				return
			}
		}
	}()
	return done
}

func errorEnvelope(eventType, message string) protocol.Envelope {
	env, err := protocol.NewEnvelope(eventType, protocol.ErrorPayload{Message: message})
	if err != nil {
		return protocol.Envelope{Type: eventType}
	}
	return env
}
