package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"quizroom-realtime/internal/domain"
	"quizroom-realtime/internal/protocol"
)

// State is the session machine's lifecycle position. Advancing is a real
// state rather than a side flag: the transition out of QuestionActive is
// check-and-set, so the timer hitting zero and a manual Next landing in the
// same instant still produce exactly one advance.
type State string

const (
	StateIdle           State = "idle"
	StateStarting       State = "starting"
	StateQuestionActive State = "question_active"
	StateAdvancing      State = "advancing"
	StateGrading        State = "grading"
	StateCompleted      State = "completed"
)

type advanceTrigger string

const (
	triggerTimer  advanceTrigger = "timer"
	triggerManual advanceTrigger = "manual"
)

// QuizSession is the working memory for the active question. It is replaced
// wholesale on every question broadcast; InitialSeconds is kept separately
// from Remaining so progress can be computed as Remaining/InitialSeconds
// without the denominator drifting as the countdown ticks.
type QuizSession struct {
	Index          int
	Total          int
	Question       domain.Question
	Remaining      int
	InitialSeconds int
	Submitted      bool
	Selected       *domain.AnswerValue
}

// Snapshot is the read-only view handed to the presentation layer. It owns
// no synchronization logic; it only renders what the machine currently holds.
type Snapshot struct {
	State       State
	Session     *QuizSession
	Room        domain.Room
	Leaderboard []domain.LeaderboardEntry
}

// SessionOptions tunes the machine.
type SessionOptions struct {
	// Clock drives the one-second countdown; tests inject a fake clock.
	Clock clockwork.Clock
	// DefaultQuestionSeconds seeds the countdown when a broadcast omits the
	// timer duration. Zero means such questions run untimed.
	DefaultQuestionSeconds int
}

// SessionMachine owns the active-question/timer/answer/leaderboard lifecycle
// for one client. All mutation happens under one mutex in response to
// connector events, timer ticks, or user intents; everything handed out is a
// copy.
type SessionMachine struct {
	c        *Connector
	presence *Presence
	clock    clockwork.Clock
	defaults SessionOptions

	mu          sync.Mutex
	state       State
	cur         *QuizSession
	stopTimer   chan struct{}
	leaderboard []domain.LeaderboardEntry
	subscribers map[chan Snapshot]struct{}

	cancels []func()
}

// NewSessionMachine wires the machine's broadcast handlers into the
// connector. The machine processes question broadcasts regardless of whether
// a join has been acknowledged yet; a participant joining an in-progress
// quiz sees the active question before the join response settles.
func NewSessionMachine(c *Connector, presence *Presence, opts SessionOptions) *SessionMachine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	m := &SessionMachine{
		c:           c,
		presence:    presence,
		clock:       opts.Clock,
		defaults:    opts,
		state:       StateIdle,
		subscribers: make(map[chan Snapshot]struct{}),
	}
	m.cancels = append(m.cancels,
		c.Subscribe(protocol.EventProblem, m.handleProblem),
		c.Subscribe(protocol.EventHostProblemData, m.handleProblem),
		c.Subscribe(protocol.EventQuizStarted, m.handleQuizStarted),
		c.Subscribe(protocol.EventLeaderboard, m.handleLeaderboard),
		c.Subscribe(protocol.EventQuizEnded, m.handleQuizEnded),
		c.Subscribe(protocol.EventInit, m.handleInit),
		presence.NotifyLeave(m.reset),
	)
	return m
}

// reset returns the machine to Idle when the user leaves the room. Leaving is
// a mandatory countdown teardown point: a ticker surviving the departure
// would later fire an advance against a session that no longer exists.
func (m *SessionMachine) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle && m.cur == nil && m.leaderboard == nil {
		return
	}
	m.stopTimerLocked()
	m.state = StateIdle
	m.cur = nil
	m.leaderboard = nil
	m.broadcastLocked()
}

// Close cancels the countdown and removes the machine's handlers.
func (m *SessionMachine) Close() {
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil

	m.mu.Lock()
	m.stopTimerLocked()
	m.state = StateIdle
	m.cur = nil
	for ch := range m.subscribers {
		delete(m.subscribers, ch)
		close(ch)
	}
	m.mu.Unlock()
}

// State returns the current lifecycle position.
func (m *SessionMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of everything the presentation layer may render.
func (m *SessionMachine) Snapshot() Snapshot {
	room := m.presence.Room()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(room)
}

func (m *SessionMachine) snapshotLocked(room domain.Room) Snapshot {
	snap := Snapshot{
		State:       m.state,
		Room:        room,
		Leaderboard: append([]domain.LeaderboardEntry(nil), m.leaderboard...),
	}
	if m.cur != nil {
		cp := *m.cur
		if m.cur.Selected != nil {
			sel := *m.cur.Selected
			cp.Selected = &sel
		}
		snap.Session = &cp
	}
	return snap
}

// Subscribe returns a channel of state snapshots. The caller must invoke the
// returned cancel function to avoid leaks.
func (m *SessionMachine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	room := m.presence.Room()
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	initial := m.snapshotLocked(room)
	m.mu.Unlock()

	ch <- initial

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.subscribers[ch]; ok {
			delete(m.subscribers, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *SessionMachine) broadcastLocked() {
	snap := m.snapshotLocked(m.presence.Room())
	for ch := range m.subscribers {
		select {
		case ch <- snap:
		default:
			// Drop the oldest pending snapshot so slow consumers only ever
			// lag, never block the synchronization loop.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

// StartQuiz is the host-only intent to begin the session. A second call
// while a start is already pending is a no-op, so an impatient double-click
// on a slow network produces one wire command. The correlated
// start_quiz_success response is authoritative; the quiz_started broadcast
// is treated purely as an idempotent confirmation.
func (m *SessionMachine) StartQuiz(ctx context.Context) error {
	b, bound := m.c.Binding()
	if !bound {
		return domain.ErrRoomNotFound
	}

	m.mu.Lock()
	switch m.state {
	case StateStarting:
		m.mu.Unlock()
		return nil
	case StateIdle:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: session already %s", domain.ErrStartRejected, m.state)
	}
	if !m.presence.IsHost() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", domain.ErrStartRejected, domain.ErrNotHost)
	}
	m.state = StateStarting
	m.broadcastLocked()
	m.mu.Unlock()

	_, err := m.c.Request(ctx, protocol.EventStartQuiz, protocol.StartQuizPayload{
		RoomCode: b.RoomCode,
		UserID:   b.UserID,
	}, protocol.EventStartQuizSuccess, protocol.EventStartQuizError)
	if err != nil {
		m.mu.Lock()
		if m.state == StateStarting {
			m.state = StateIdle
			m.broadcastLocked()
		}
		m.mu.Unlock()
		var respErr *ResponseError
		if errors.As(err, &respErr) {
			return fmt.Errorf("%w: %s", domain.ErrStartRejected, respErr.Message)
		}
		return err
	}
	// Stay in Starting until the first question broadcast arrives; it may
	// already have overtaken the response, in which case the state has moved
	// on and there is nothing left to do here.
	return nil
}

// SelectAnswer records the locally chosen answer without submitting it.
func (m *SessionMachine) SelectAnswer(answer domain.AnswerValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateQuestionActive || m.cur == nil || m.cur.Submitted {
		return
	}
	m.cur.Selected = &answer
	m.broadcastLocked()
}

// SubmitAnswer sends the selected answer. It is a no-op when already
// submitted for the current question and for hosts, who do not answer.
// Submission permanently tears down the countdown for this question: the
// timer later reaching zero must not re-submit or advance on this client.
func (m *SessionMachine) SubmitAnswer() error {
	b, bound := m.c.Binding()
	if !bound {
		return domain.ErrRoomNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateQuestionActive || m.cur == nil || m.cur.Submitted {
		return nil
	}
	if m.presence.IsHost() {
		return nil
	}

	m.cur.Submitted = true
	m.stopTimerLocked()

	var answer domain.AnswerValue
	if m.cur.Selected != nil {
		answer = *m.cur.Selected
	}
	if err := m.c.Publish(protocol.EventSubmitAnswer, protocol.SubmitAnswerPayload{
		RoomCode:   b.RoomCode,
		UserID:     b.UserID,
		QuestionID: m.cur.Question.ID,
		Answer:     answer,
	}); err != nil {
		log.Printf("submit_answer publish failed: %v", err)
	}
	m.broadcastLocked()
	return nil
}

// AdvanceToNext is the host's manual "Next". It funnels into the same
// guarded advance operation as the countdown reaching zero.
func (m *SessionMachine) AdvanceToNext() error {
	if !m.presence.IsHost() {
		return domain.ErrNotHost
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked(triggerManual)
	return nil
}

// advanceLocked is the single transition out of QuestionActive. The state
// check doubles as the re-entrancy guard: the first caller moves the machine
// to Advancing and every later caller, whatever its trigger, falls through
// as a silent no-op. The guard resets only when a new question is entered.
func (m *SessionMachine) advanceLocked(trigger advanceTrigger) {
	if m.state != StateQuestionActive || m.cur == nil {
		return
	}
	m.state = StateAdvancing
	m.stopTimerLocked()

	b, bound := m.c.Binding()
	if !bound {
		m.broadcastLocked()
		return
	}

	if !m.presence.IsHost() && !m.cur.Submitted {
		// Time ran out before the participant submitted: auto-submit
		// whatever is selected so the server can grade this question.
		m.cur.Submitted = true
		var answer domain.AnswerValue
		if m.cur.Selected != nil {
			answer = *m.cur.Selected
		}
		if err := m.c.Publish(protocol.EventSubmitAnswer, protocol.SubmitAnswerPayload{
			RoomCode:   b.RoomCode,
			UserID:     b.UserID,
			QuestionID: m.cur.Question.ID,
			Answer:     answer,
		}); err != nil {
			log.Printf("auto submit on %s advance failed: %v", trigger, err)
		}
	}

	if err := m.c.Publish(protocol.EventNextProblem, protocol.NextProblemPayload{
		RoomCode: b.RoomCode,
		UserID:   b.UserID,
		Index:    m.cur.Index,
	}); err != nil {
		log.Printf("next_problem publish failed: %v", err)
	}
	m.broadcastLocked()
}

func (m *SessionMachine) handleQuizStarted(json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Participants learn about the start only through this broadcast; for
	// the requesting host it is a duplicate confirmation and changes nothing.
	if m.state == StateIdle {
		m.state = StateStarting
		m.broadcastLocked()
	}
}

func (m *SessionMachine) handleProblem(payload json.RawMessage) {
	var pp protocol.ProblemPayload
	if err := json.Unmarshal(payload, &pp); err != nil {
		log.Printf("malformed problem payload ignored: %v", err)
		return
	}
	if pp.ID == "" && pp.Text == "" {
		log.Printf("empty problem payload ignored")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.enterProblemLocked(pp)
}

func (m *SessionMachine) enterProblemLocked(pp protocol.ProblemPayload) {
	if m.state == StateCompleted {
		// Stale broadcast for a session this client has already seen end.
		log.Printf("stale problem event ignored (session completed): index=%d", pp.CurrentIndex)
		return
	}
	if m.cur != nil && pp.CurrentIndex < m.cur.Index {
		// Out-of-order delivery of a question this client already superseded.
		log.Printf("stale problem event ignored: index=%d current=%d", pp.CurrentIndex, m.cur.Index)
		return
	}
	if m.cur != nil && m.cur.Question.ID == pp.ID && m.cur.Index == pp.CurrentIndex {
		// Duplicate delivery of the current question. The host-side
		// augmented broadcast carries the correct answer; fold that in, but
		// never restart the timer or clear the submitted flag.
		if pp.CorrectIndex != nil && m.cur.Question.CorrectIndex == nil {
			m.cur.Question.CorrectIndex = pp.CorrectIndex
			m.broadcastLocked()
		}
		return
	}

	m.stopTimerLocked()

	q := pp.Question(m.defaults.DefaultQuestionSeconds)
	m.cur = &QuizSession{
		Index:          pp.CurrentIndex,
		Total:          pp.TotalProblems,
		Question:       q,
		Remaining:      q.TimerSeconds,
		InitialSeconds: q.TimerSeconds,
	}
	// Entering a new question is the one unambiguous point at which the
	// advance guard resets.
	m.state = StateQuestionActive
	if q.TimerSeconds > 0 {
		m.startCountdownLocked()
	}
	m.broadcastLocked()
}

func (m *SessionMachine) handleLeaderboard(payload json.RawMessage) {
	var lb protocol.LeaderboardPayload
	if err := json.Unmarshal(payload, &lb); err != nil {
		log.Printf("malformed leaderboard payload ignored: %v", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateCompleted {
		// The final standings arrived with quiz_ended; a mid-quiz snapshot
		// delivered late must not overwrite them.
		log.Printf("stale leaderboard event ignored (session completed)")
		return
	}
	m.presence.MergeLeaderboard(lb.Entries)
	m.leaderboard = lb.Entries
	if m.state == StateAdvancing {
		m.state = StateGrading
	}
	m.broadcastLocked()
}

func (m *SessionMachine) handleQuizEnded(payload json.RawMessage) {
	var lb protocol.LeaderboardPayload
	if err := json.Unmarshal(payload, &lb); err == nil && len(lb.Entries) > 0 {
		m.presence.MergeLeaderboard(lb.Entries)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateCompleted {
		return
	}
	m.stopTimerLocked()
	if len(lb.Entries) > 0 {
		m.leaderboard = lb.Entries
	}
	m.state = StateCompleted
	m.cur = nil
	m.broadcastLocked()
}

// handleInit resynchronizes after a (re)join: the roster part is handled by
// Presence; the session part re-enters the active question, if any, through
// the normal problem path.
func (m *SessionMachine) handleInit(payload json.RawMessage) {
	var snap protocol.RoomSnapshotPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		log.Printf("malformed init payload ignored: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Status == domain.RoomCompleted {
		m.stopTimerLocked()
		m.state = StateCompleted
		m.cur = nil
		m.broadcastLocked()
		return
	}
	if snap.Problem != nil {
		m.enterProblemLocked(*snap.Problem)
	}
}

func (m *SessionMachine) startCountdownLocked() {
	stop := make(chan struct{})
	m.stopTimer = stop
	go m.countdown(stop)
}

func (m *SessionMachine) stopTimerLocked() {
	if m.stopTimer != nil {
		close(m.stopTimer)
		m.stopTimer = nil
	}
}

// countdown runs the local one-tick-per-second approximation of the server
// deadline. It stops on new question entry, submission, session teardown, or
// its own expiry; a ticker outliving its question is exactly the
// double-advance bug the guard exists for, so ownership is checked on every
// tick.
func (m *SessionMachine) countdown(stop chan struct{}) {
	ticker := m.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !m.tick(stop) {
				return
			}
		}
	}
}

func (m *SessionMachine) tick(stop chan struct{}) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopTimer != stop || m.state != StateQuestionActive || m.cur == nil {
		return false
	}
	m.cur.Remaining--
	if m.cur.Remaining > 0 {
		m.broadcastLocked()
		return true
	}
	m.cur.Remaining = 0
	m.advanceLocked(triggerTimer)
	return false
}
