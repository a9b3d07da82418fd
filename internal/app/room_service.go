package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"quizroom-realtime/internal/domain"
	"quizroom-realtime/internal/protocol"
)

// RoomRepository abstracts how live rooms are stored (in-memory, Redis, etc).
type RoomRepository interface {
	GetOrCreate(code string, build func() *Room) *Room
	Get(code string) (*Room, bool)
	DeleteIfEmpty(code string)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// RoomService contains the server-side room use cases: join/leave, quiz
// start, answer scoring, and question advancement. The server is the single
// source of truth; clients only mirror what it broadcasts.
type RoomService struct {
	rooms   RoomRepository
	quizzes QuizRepository
}

func NewRoomService(rooms RoomRepository, quizzes QuizRepository) *RoomService {
	return &RoomService{rooms: rooms, quizzes: quizzes}
}

// NewRoom is exported for repository layers that need to seed rooms.
func NewRoom(code, title, quizID string) *Room {
	return newRoomWithClock(code, title, quizID, time.Now)
}

// NewRoomWithClock is test-only for deterministic timestamps.
func NewRoomWithClock(code, title, quizID string, now func() time.Time) *Room {
	return newRoomWithClock(code, title, quizID, now)
}

// CreateRoom registers a room backed by the given quiz. The quiz must be
// loadable; rooms for unknown quizzes are refused.
func (s *RoomService) CreateRoom(ctx context.Context, code, title, quizID string) error {
	if _, err := s.quizzes.GetQuiz(ctx, quizID); err != nil {
		return err
	}
	s.rooms.GetOrCreate(code, func() *Room { return NewRoom(code, title, quizID) })
	return nil
}

// Join registers or refreshes a participant. The first joiner of a room
// becomes its host; joining twice with the same identity is idempotent. Late
// joins during an active quiz are allowed and receive the active question in
// their snapshot.
func (s *RoomService) Join(_ context.Context, code string, userID domain.UserID, displayName string) (protocol.RoomSnapshotPayload, error) {
	room, ok := s.rooms.Get(code)
	if !ok {
		return protocol.RoomSnapshotPayload{}, domain.ErrRoomNotFound
	}
	return room.join(userID, displayName), nil
}

// Subscribe returns the event stream for one user in a room. The first
// message on the channel is always an init snapshot so a reconnecting client
// resynchronizes without replaying missed events. The caller must invoke the
// returned cancel function to avoid leaks.
func (s *RoomService) Subscribe(_ context.Context, code string, userID domain.UserID) (<-chan protocol.Envelope, func(), error) {
	room, ok := s.rooms.Get(code)
	if !ok {
		return nil, nil, domain.ErrRoomNotFound
	}
	ch, cancel := room.subscribe(userID)
	return ch, cancel, nil
}

// Start begins the quiz. Host-only, and only from the waiting state.
func (s *RoomService) Start(ctx context.Context, code string, userID domain.UserID) error {
	room, ok := s.rooms.Get(code)
	if !ok {
		return domain.ErrRoomNotFound
	}
	quizID := room.quizRef()
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return err
	}
	return room.start(userID, quiz)
}

// SubmitAnswer records one participant's answer for the active question.
// Scoring is authoritative here; duplicate submissions for the same question
// are dropped.
func (s *RoomService) SubmitAnswer(_ context.Context, code string, userID domain.UserID, questionID string, answer domain.AnswerValue) error {
	room, ok := s.rooms.Get(code)
	if !ok {
		return domain.ErrRoomNotFound
	}
	return room.submitAnswer(userID, questionID, answer)
}

// Advance moves past the question at the given index. It is idempotent by
// index: with a room full of clients whose countdowns expire together, only
// the first request advances and the rest are dropped as stale.
func (s *RoomService) Advance(_ context.Context, code string, userID domain.UserID, index int) error {
	room, ok := s.rooms.Get(code)
	if !ok {
		return domain.ErrRoomNotFound
	}
	return room.advance(userID, index)
}

// Leave removes a participant and drops the room once it is empty.
func (s *RoomService) Leave(_ context.Context, code string, userID domain.UserID) {
	room, ok := s.rooms.Get(code)
	if !ok {
		return
	}
	room.leave(userID)
	if room.IsEmpty() {
		s.rooms.DeleteIfEmpty(code)
	}
}

// Room is the server-side state of one multiplayer session.
type Room struct {
	code      string
	title     string
	quizID    string
	createdAt time.Time
	now       func() time.Time

	mu           sync.RWMutex
	status       domain.RoomStatus
	participants map[domain.UserID]*domain.Participant
	quiz         domain.Quiz
	current      int
	answered     map[domain.UserID]bool
	graded       bool
	subscribers  map[*roomSubscriber]struct{}
}

type roomSubscriber struct {
	userID domain.UserID
	ch     chan protocol.Envelope
}

func newRoomWithClock(code, title, quizID string, now func() time.Time) *Room {
	return &Room{
		code:         code,
		title:        title,
		quizID:       quizID,
		createdAt:    now(),
		now:          now,
		status:       domain.RoomWaiting,
		participants: make(map[domain.UserID]*domain.Participant),
		current:      -1,
		subscribers:  make(map[*roomSubscriber]struct{}),
	}
}

func (r *Room) quizRef() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quizID
}

// IsEmpty reports whether the room has no participants.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) == 0
}

func (r *Room) join(userID domain.UserID, displayName string) protocol.RoomSnapshotPayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	if participant, ok := r.participants[userID]; ok {
		if displayName != "" {
			participant.DisplayName = displayName
		}
	} else {
		role := domain.RoleParticipant
		if len(r.participants) == 0 {
			role = domain.RoleHost
		}
		r.participants[userID] = &domain.Participant{
			ID:          userID,
			DisplayName: displayName,
			Role:        role,
			JoinedAt:    r.now(),
		}
		r.broadcastLocked(protocol.EventUserJoined, protocol.UserJoinedPayload{
			AllUsers: r.wireUsersLocked(),
		}, nil)
	}
	return r.snapshotLocked(userID)
}

func (r *Room) leave(userID domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participants[userID]; !ok {
		return
	}
	delete(r.participants, userID)
	delete(r.answered, userID)
	r.broadcastLocked(protocol.EventUserLeft, protocol.UserLeftPayload{UserID: userID}, nil)
}

func (r *Room) subscribe(userID domain.UserID) (<-chan protocol.Envelope, func()) {
	sub := &roomSubscriber{userID: userID, ch: make(chan protocol.Envelope, 16)}

	r.mu.Lock()
	r.subscribers[sub] = struct{}{}
	init, err := protocol.NewEnvelope(protocol.EventInit, r.snapshotLocked(userID))
	r.mu.Unlock()

	if err == nil {
		sub.ch <- init
	}

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subscribers[sub]; ok {
			delete(r.subscribers, sub)
			close(sub.ch)
		}
		r.mu.Unlock()
	}
	return sub.ch, cancel
}

func (r *Room) start(userID domain.UserID, quiz domain.Quiz) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	participant, ok := r.participants[userID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	if participant.Role != domain.RoleHost {
		return domain.ErrNotHost
	}
	if r.status != domain.RoomWaiting {
		return domain.ErrRoomNotStartable
	}
	if len(quiz.Questions) == 0 {
		return fmt.Errorf("%w: quiz %s has no questions", domain.ErrRoomNotStartable, quiz.ID)
	}

	r.quiz = quiz
	r.status = domain.RoomActive
	r.current = 0
	r.answered = make(map[domain.UserID]bool)
	r.graded = false

	r.broadcastLocked(protocol.EventQuizStarted, protocol.QuizStartedPayload{RoomCode: r.code}, nil)
	r.broadcastProblemLocked()
	return nil
}

func (r *Room) submitAnswer(userID domain.UserID, questionID string, answer domain.AnswerValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	participant, ok := r.participants[userID]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	if participant.Role == domain.RoleHost {
		return nil
	}
	if r.status != domain.RoomActive || r.current < 0 || r.current >= len(r.quiz.Questions) {
		return domain.ErrQuestionNotFound
	}
	question := r.quiz.Questions[r.current]
	if questionID != "" && questionID != question.ID {
		// Late submission for a superseded question: drop, don't fail.
		log.Printf("room %s: stale answer from %s for %s ignored", r.code, userID, questionID)
		return nil
	}
	if r.answered[userID] {
		return nil
	}
	r.answered[userID] = true

	if scoreAnswer(question, answer) {
		points := question.Points
		if points == 0 {
			points = 1
		}
		participant.Points += points
	}

	if r.allAnsweredLocked() {
		r.gradeLocked(false)
	}
	return nil
}

func (r *Room) advance(userID domain.UserID, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[userID]; !ok {
		return domain.ErrParticipantNotFound
	}
	if r.status != domain.RoomActive {
		return nil
	}
	if index != r.current {
		// Duplicate or out-of-date advance; the first one already won.
		return nil
	}

	if !r.graded {
		r.gradeLocked(false)
	}

	r.current++
	r.answered = make(map[domain.UserID]bool)
	r.graded = false

	if r.current >= len(r.quiz.Questions) {
		r.status = domain.RoomCompleted
		r.gradeLocked(true)
		return nil
	}
	r.broadcastProblemLocked()
	return nil
}

func (r *Room) allAnsweredLocked() bool {
	for id, p := range r.participants {
		if p.Role == domain.RoleHost {
			continue
		}
		if !r.answered[id] {
			return false
		}
	}
	return true
}

// gradeLocked publishes the ranked scores, as a leaderboard event after a
// question or as the terminal quiz_ended event.
func (r *Room) gradeLocked(final bool) {
	entries := r.leaderboardLocked()
	event := protocol.EventLeaderboard
	if final {
		event = protocol.EventQuizEnded
	} else {
		r.graded = true
	}
	r.broadcastLocked(event, protocol.LeaderboardPayload{
		RoomCode: r.code,
		Entries:  entries,
		Final:    final,
	}, nil)
}

func (r *Room) leaderboardLocked() []domain.LeaderboardEntry {
	ranked := make([]*domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if p.Role == domain.RoleHost {
			continue
		}
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Points != ranked[j].Points {
			return ranked[i].Points > ranked[j].Points
		}
		if !ranked[i].JoinedAt.Equal(ranked[j].JoinedAt) {
			return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
		}
		return ranked[i].DisplayName < ranked[j].DisplayName
	})

	entries := make([]domain.LeaderboardEntry, 0, len(ranked))
	for i, p := range ranked {
		entries = append(entries, domain.LeaderboardEntry{
			UserID: p.ID,
			Points: p.Points,
			Rank:   i + 1,
		})
	}
	return entries
}

// broadcastProblemLocked fans the active question out: participants get the
// plain problem event, hosts get the augmented one with the correct answer.
func (r *Room) broadcastProblemLocked() {
	question := r.quiz.Questions[r.current]

	base := protocol.ProblemPayload{
		ID:            question.ID,
		Text:          question.Text,
		Type:          question.Type,
		Options:       question.Options,
		Points:        question.Points,
		CurrentIndex:  r.current,
		TotalProblems: len(r.quiz.Questions),
	}
	if question.TimerSeconds > 0 {
		seconds := question.TimerSeconds
		base.TimerSeconds = &seconds
	}

	hostPayload := base
	if question.CorrectIndex != nil {
		idx := *question.CorrectIndex
		hostPayload.CorrectIndex = &idx
	}

	r.broadcastLocked(protocol.EventProblem, base, func(role domain.Role) bool {
		return role != domain.RoleHost
	})
	r.broadcastLocked(protocol.EventHostProblemData, hostPayload, func(role domain.Role) bool {
		return role == domain.RoleHost
	})
}

// broadcastLocked sends an event to every subscriber passing the role
// filter. A full subscriber buffer drops its oldest message so one slow
// client never blocks the room.
func (r *Room) broadcastLocked(eventType string, payload any, filter func(domain.Role) bool) {
	env, err := protocol.NewEnvelope(eventType, payload)
	if err != nil {
		log.Printf("room %s: encode %s failed: %v", r.code, eventType, err)
		return
	}
	for sub := range r.subscribers {
		if filter != nil {
			role := domain.RoleParticipant
			if p, ok := r.participants[sub.userID]; ok {
				role = p.Role
			}
			if !filter(role) {
				continue
			}
		}
		select {
		case sub.ch <- env:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- env
		}
	}
}

func (r *Room) wireUsersLocked() []protocol.WireUser {
	users := make([]protocol.WireUser, 0, len(r.participants))
	for _, p := range r.participants {
		users = append(users, protocol.WireUser{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			Role:        p.Role,
			Points:      p.Points,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

func (r *Room) snapshotLocked(forUser domain.UserID) protocol.RoomSnapshotPayload {
	snap := protocol.RoomSnapshotPayload{
		RoomCode: r.code,
		Title:    r.title,
		Status:   r.status,
	}
	for _, u := range r.wireUsersLocked() {
		if u.Role == domain.RoleHost {
			snap.Hosts = append(snap.Hosts, u)
		} else {
			snap.Participants = append(snap.Participants, u)
		}
	}

	if r.status == domain.RoomActive && r.current >= 0 && r.current < len(r.quiz.Questions) {
		question := r.quiz.Questions[r.current]
		pp := protocol.ProblemPayload{
			ID:            question.ID,
			Text:          question.Text,
			Type:          question.Type,
			Options:       question.Options,
			Points:        question.Points,
			CurrentIndex:  r.current,
			TotalProblems: len(r.quiz.Questions),
		}
		if question.TimerSeconds > 0 {
			seconds := question.TimerSeconds
			pp.TimerSeconds = &seconds
		}
		if p, ok := r.participants[forUser]; ok && p.Role == domain.RoleHost && question.CorrectIndex != nil {
			idx := *question.CorrectIndex
			pp.CorrectIndex = &idx
		}
		snap.Problem = &pp
	}
	return snap
}

// scoreAnswer checks a submission against the question's answer key.
// Descriptive questions are never auto-scored.
func scoreAnswer(q domain.Question, a domain.AnswerValue) bool {
	switch q.Type {
	case domain.MultipleChoice, domain.TrueFalse:
		return q.CorrectIndex != nil && a.OptionIndex != nil && *a.OptionIndex == *q.CorrectIndex
	case domain.FillInBlank:
		return q.CorrectText != "" &&
			strings.EqualFold(strings.TrimSpace(a.Text), strings.TrimSpace(q.CorrectText))
	default:
		return false
	}
}
