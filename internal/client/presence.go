package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quizroom-realtime/internal/domain"
	"quizroom-realtime/internal/protocol"
)

// Presence keeps the client-side mirror of a room's roster and implements
// the idempotent join/leave protocol on top of the Connector.
type Presence struct {
	c      *Connector
	joinSF singleflight.Group

	mu          sync.RWMutex
	room        domain.Room
	localID     domain.UserID
	displayName string
	isHost      bool
	leaveFns    map[int]func()
	nextLeaveFn int

	cancels []func()
}

// NewPresence wires roster reconciliation handlers into the connector.
func NewPresence(c *Connector) *Presence {
	p := &Presence{c: c, leaveFns: make(map[int]func())}
	p.cancels = append(p.cancels,
		c.Subscribe(protocol.EventInit, p.handleInit),
		c.Subscribe(protocol.EventUserJoined, p.handleUserJoined),
		c.Subscribe(protocol.EventUserLeft, p.handleUserLeft),
		c.Subscribe(protocol.EventQuizStarted, func(json.RawMessage) { p.setStatus(domain.RoomActive) }),
		c.Subscribe(protocol.EventQuizEnded, func(json.RawMessage) { p.setStatus(domain.RoomCompleted) }),
		c.NotifyDisconnect(p.handleConnectionDrop),
	)
	return p
}

// handleConnectionDrop runs when the transport fails mid-session. One rejoin
// through the normal idempotent join path is attempted; the init snapshot it
// provokes resynchronizes the mirror. The binding is cleared first so the
// join actually goes back out on the wire.
func (p *Presence) handleConnectionDrop() {
	b, ok := p.c.Binding()
	if !ok {
		return
	}
	p.c.ClearBinding()

	p.mu.RLock()
	name := p.displayName
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := p.JoinRoom(ctx, b.RoomCode, b.UserID, name); err != nil {
		log.Printf("rejoin %s after connection drop failed: %v", b.RoomCode, err)
	}
}

// Close removes the presence handlers from the connector.
func (p *Presence) Close() {
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = nil
}

// JoinRoom enters a room. If the connector already records this exact
// (roomCode, userID) binding the call returns the current mirror without
// emitting anything; concurrent calls for the same pair collapse into one
// wire command. On rejection or timeout the binding stays cleared so a retry
// is always safe.
func (p *Presence) JoinRoom(ctx context.Context, roomCode string, userID domain.UserID, displayName string) (domain.Room, error) {
	if b, ok := p.c.Binding(); ok && b.RoomCode == roomCode && b.UserID == userID {
		return p.Room(), nil
	}

	key := roomCode + "|" + userID.String()
	v, err, _ := p.joinSF.Do(key, func() (any, error) {
		if b, ok := p.c.Binding(); ok && b.RoomCode == roomCode && b.UserID == userID {
			return p.Room(), nil
		}
		if err := p.c.Connect(ctx); err != nil {
			return domain.Room{}, err
		}

		p.mu.Lock()
		p.localID = userID
		p.displayName = displayName
		p.mu.Unlock()

		raw, err := p.c.Request(ctx, protocol.EventJoinRoom, protocol.JoinRoomPayload{
			RoomCode:    roomCode,
			UserID:      userID,
			DisplayName: displayName,
		}, protocol.EventJoinRoomSuccess, protocol.EventJoinRoomError)
		if err != nil {
			p.c.ClearBinding()
			var respErr *ResponseError
			if errors.As(err, &respErr) {
				return domain.Room{}, fmt.Errorf("%w: %s", domain.ErrJoinRejected, respErr.Message)
			}
			if errors.Is(err, domain.ErrRequestTimeout) {
				return domain.Room{}, fmt.Errorf("%w: %s", domain.ErrJoinTimeout, roomCode)
			}
			return domain.Room{}, err
		}

		var snap protocol.RoomSnapshotPayload
		if err := json.Unmarshal(raw, &snap); err != nil {
			p.c.ClearBinding()
			return domain.Room{}, fmt.Errorf("%w: malformed snapshot: %v", domain.ErrJoinRejected, err)
		}
		if snap.RoomCode == "" {
			snap.RoomCode = roomCode
		}
		p.applySnapshot(snap)
		p.c.BindRoom(roomCode, userID)
		return p.Room(), nil
	})
	if err != nil {
		return domain.Room{}, err
	}
	return v.(domain.Room), nil
}

// LeaveRoom is best-effort: the departure command is fire-and-forget and the
// local binding is always cleared, even when the transport is already down.
// The server also detects departure via disconnect.
func (p *Presence) LeaveRoom(_ context.Context) {
	b, ok := p.c.Binding()
	if ok {
		if err := p.c.Publish(protocol.EventLeaveRoom, protocol.LeaveRoomPayload{
			RoomCode: b.RoomCode,
			UserID:   b.UserID,
		}); err != nil {
			log.Printf("leave_room publish failed (ignored): %v", err)
		}
	}
	p.c.ClearBinding()

	p.mu.Lock()
	p.room = domain.Room{}
	p.isHost = false
	observers := make([]func(), 0, len(p.leaveFns))
	for _, f := range p.leaveFns {
		observers = append(observers, f)
	}
	p.mu.Unlock()
	for _, f := range observers {
		f()
	}
}

// NotifyLeave registers an observer that runs synchronously after LeaveRoom
// has torn down the local mirror. The session machine uses it to cancel its
// countdown; a timer outliving the departure would eventually fire an
// advance for a room this client is no longer in. Returns the observer's
// cancel func.
func (p *Presence) NotifyLeave(f func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextLeaveFn
	p.nextLeaveFn++
	p.leaveFns[id] = f
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.leaveFns, id)
	}
}

// Room returns a copy of the current mirror.
func (p *Presence) Room() domain.Room {
	p.mu.RLock()
	defer p.mu.RUnlock()
	room := p.room
	room.Participants = append([]domain.Participant(nil), p.room.Participants...)
	return room
}

// IsHost reports the cached role resolution for the local user.
func (p *Presence) IsHost() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isHost
}

// LocalID returns the identity set by the last join attempt.
func (p *Presence) LocalID() domain.UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localID
}

// MergeLeaderboard reconciles score snapshots into the roster by identity,
// touching only the points field. Points never regress: a stale or reordered
// leaderboard event cannot lower a participant's score. Entries with no
// roster match are ignored since they carry no display metadata.
func (p *Presence) MergeLeaderboard(entries []domain.LeaderboardEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if e.UserID.IsZero() {
			continue
		}
		for i := range p.room.Participants {
			if p.room.Participants[i].ID == e.UserID {
				if e.Points > p.room.Participants[i].Points {
					p.room.Participants[i].Points = e.Points
				}
				break
			}
		}
	}
}

func (p *Presence) applySnapshot(snap protocol.RoomSnapshotPayload) {
	merged := protocol.Users(snap.Hosts, domain.RoleHost)
	for _, u := range protocol.Users(snap.Participants, domain.RoleParticipant) {
		if indexOf(merged, u.ID) == -1 {
			merged = append(merged, u)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.room.Code = snap.RoomCode
	if snap.Title != "" {
		p.room.Title = snap.Title
	}
	if snap.Status != "" {
		p.room.Status = snap.Status
	}
	p.room.Participants = merged
	p.recomputeHostLocked()
}

func (p *Presence) handleInit(payload json.RawMessage) {
	var snap protocol.RoomSnapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		log.Printf("malformed init payload ignored: %v", err)
		return
	}
	p.applySnapshot(snap)
}

func (p *Presence) handleUserJoined(payload json.RawMessage) {
	var delta protocol.UserJoinedPayload
	if err := json.Unmarshal(payload, &delta); err != nil {
		log.Printf("malformed user_joined payload ignored: %v", err)
		return
	}

	users := delta.AllUsers
	if len(users) == 0 && delta.User != nil {
		users = []protocol.WireUser{*delta.User}
	}
	if len(users) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range protocol.Users(users, domain.RoleParticipant) {
		if i := indexOf(p.room.Participants, u.ID); i >= 0 {
			// Same identity already present (possibly under the other
			// numeric/string wire form): refresh metadata, never duplicate.
			if u.DisplayName != "" {
				p.room.Participants[i].DisplayName = u.DisplayName
			}
			if u.Points > p.room.Participants[i].Points {
				p.room.Participants[i].Points = u.Points
			}
			continue
		}
		p.room.Participants = append(p.room.Participants, u)
	}
	p.recomputeHostLocked()
}

func (p *Presence) handleUserLeft(payload json.RawMessage) {
	var delta protocol.UserLeftPayload
	if err := json.Unmarshal(payload, &delta); err != nil || delta.UserID.IsZero() {
		log.Printf("malformed user_left payload ignored: %v", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if i := indexOf(p.room.Participants, delta.UserID); i >= 0 {
		p.room.Participants = append(p.room.Participants[:i], p.room.Participants[i+1:]...)
	}
	p.recomputeHostLocked()
}

func (p *Presence) setStatus(status domain.RoomStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room.Status = status
}

// recomputeHostLocked re-resolves the local role after any roster update.
// Identity comparison is plain equality because every id is normalized at
// the protocol boundary.
func (p *Presence) recomputeHostLocked() {
	p.isHost = false
	if p.localID.IsZero() {
		return
	}
	for _, part := range p.room.Participants {
		if part.ID == p.localID {
			p.isHost = part.Role == domain.RoleHost
			return
		}
	}
}

func indexOf(participants []domain.Participant, id domain.UserID) int {
	for i := range participants {
		if participants[i].ID == id {
			return i
		}
	}
	return -1
}
