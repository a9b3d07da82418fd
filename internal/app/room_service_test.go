package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"quizroom-realtime/internal/domain"
	"quizroom-realtime/internal/protocol"
)

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: make(map[string]*Room)}
}

func (f *fakeRooms) GetOrCreate(code string, build func() *Room) *Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok := f.rooms[code]; ok {
		return room
	}
	room := build()
	f.rooms[code] = room
	return room
}

func (f *fakeRooms) Get(code string) (*Room, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[code]
	return room, ok
}

func (f *fakeRooms) DeleteIfEmpty(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok := f.rooms[code]; ok && room.IsEmpty() {
		delete(f.rooms, code)
	}
}

type stubQuizzes map[string]domain.Quiz

func (s stubQuizzes) GetQuiz(_ context.Context, quizID string) (domain.Quiz, error) {
	quiz, ok := s[quizID]
	if !ok {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	return quiz, nil
}

func scienceQuiz() domain.Quiz {
	one := 1
	zero := 0
	return domain.Quiz{
		ID:    "science",
		Title: "Science Basics",
		Questions: []domain.Question{
			{
				ID:           "q1",
				Text:         "Which planet is closest to the sun?",
				Type:         domain.MultipleChoice,
				Options:      []string{"Venus", "Mercury", "Mars"},
				Points:       100,
				TimerSeconds: 30,
				CorrectIndex: &one,
			},
			{
				ID:           "q2",
				Text:         "Water boils at 100C at sea level.",
				Type:         domain.TrueFalse,
				Options:      []string{"True", "False"},
				Points:       50,
				CorrectIndex: &zero,
			},
		},
	}
}

func newTestService(t *testing.T) (*RoomService, *fakeRooms) {
	t.Helper()
	rooms := newFakeRooms()
	svc := NewRoomService(rooms, stubQuizzes{"science": scienceQuiz()})
	if err := svc.CreateRoom(context.Background(), "ABC123", "Science Night", "science"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	return svc, rooms
}

// nextEvent drains the channel until an envelope of the wanted type shows up.
func nextEvent(t *testing.T, ch <-chan protocol.Envelope, eventType string) protocol.Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", eventType)
			}
			if env.Type == eventType {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", eventType)
		}
	}
}

// expectNoEvent asserts that no envelope of the given type is pending.
func expectNoEvent(t *testing.T, ch <-chan protocol.Envelope, eventType string) {
	t.Helper()
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Type == eventType {
				t.Fatalf("unexpected %s event: %s", eventType, env.Payload)
			}
		default:
			return
		}
	}
}

func answer(index int) domain.AnswerValue {
	return domain.AnswerValue{OptionIndex: &index}
}

func TestCreateRoomRefusesUnknownQuiz(t *testing.T) {
	svc := NewRoomService(newFakeRooms(), stubQuizzes{})
	err := svc.CreateRoom(context.Background(), "ABC123", "Nope", "missing")
	if !errors.Is(err, domain.ErrQuizNotFound) {
		t.Fatalf("expected ErrQuizNotFound, got %v", err)
	}
}

func TestFirstJoinerBecomesHost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	snap, err := svc.Join(ctx, "ABC123", "42", "Dana")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(snap.Hosts) != 1 || snap.Hosts[0].ID != "42" {
		t.Fatalf("first joiner not host: %+v", snap)
	}

	snap, err = svc.Join(ctx, "ABC123", "7", "Ann")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(snap.Hosts) != 1 || len(snap.Participants) != 1 || snap.Participants[0].ID != "7" {
		t.Fatalf("second joiner role wrong: %+v", snap)
	}

	// Rejoining with the same identity refreshes, never duplicates.
	snap, err = svc.Join(ctx, "ABC123", "7", "Annie")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if len(snap.Participants) != 1 || snap.Participants[0].DisplayName != "Annie" {
		t.Fatalf("rejoin duplicated or lost the participant: %+v", snap)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Join(context.Background(), "ZZZZZZ", "7", "Ann"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestStartIsHostOnlyAndSingleShot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Join(ctx, "ABC123", "42", "Dana"); err != nil {
		t.Fatalf("join host: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "7", "Ann"); err != nil {
		t.Fatalf("join participant: %v", err)
	}

	if err := svc.Start(ctx, "ABC123", "7"); !errors.Is(err, domain.ErrNotHost) {
		t.Fatalf("participant start: expected ErrNotHost, got %v", err)
	}
	if err := svc.Start(ctx, "ABC123", "42"); err != nil {
		t.Fatalf("host start: %v", err)
	}
	if err := svc.Start(ctx, "ABC123", "42"); !errors.Is(err, domain.ErrRoomNotStartable) {
		t.Fatalf("second start: expected ErrRoomNotStartable, got %v", err)
	}
}

func TestProblemBroadcastSplitsHostAndParticipantViews(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Join(ctx, "ABC123", "42", "Dana"); err != nil {
		t.Fatalf("join host: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "7", "Ann"); err != nil {
		t.Fatalf("join participant: %v", err)
	}

	hostCh, cancelHost, err := svc.Subscribe(ctx, "ABC123", "42")
	if err != nil {
		t.Fatalf("subscribe host: %v", err)
	}
	defer cancelHost()
	partCh, cancelPart, err := svc.Subscribe(ctx, "ABC123", "7")
	if err != nil {
		t.Fatalf("subscribe participant: %v", err)
	}
	defer cancelPart()

	// Both streams open with an init snapshot.
	nextEvent(t, hostCh, protocol.EventInit)
	nextEvent(t, partCh, protocol.EventInit)

	if err := svc.Start(ctx, "ABC123", "42"); err != nil {
		t.Fatalf("start: %v", err)
	}

	nextEvent(t, partCh, protocol.EventQuizStarted)
	env := nextEvent(t, partCh, protocol.EventProblem)
	var pp protocol.ProblemPayload
	if err := json.Unmarshal(env.Payload, &pp); err != nil {
		t.Fatalf("decode problem: %v", err)
	}
	if pp.ID != "q1" || pp.CurrentIndex != 0 || pp.TotalProblems != 2 {
		t.Fatalf("wrong problem broadcast: %+v", pp)
	}
	if pp.CorrectIndex != nil {
		t.Fatalf("participant received the correct answer")
	}
	if pp.TimerSeconds == nil || *pp.TimerSeconds != 30 {
		t.Fatalf("timer missing from broadcast: %+v", pp.TimerSeconds)
	}

	env = nextEvent(t, hostCh, protocol.EventHostProblemData)
	if err := json.Unmarshal(env.Payload, &pp); err != nil {
		t.Fatalf("decode host problem: %v", err)
	}
	if pp.CorrectIndex == nil || *pp.CorrectIndex != 1 {
		t.Fatalf("host broadcast missing the correct answer: %+v", pp)
	}
	expectNoEvent(t, hostCh, protocol.EventProblem)
}

func TestScoringAndGradeWhenEveryoneAnswered(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Join(ctx, "ABC123", "42", "Dana"); err != nil {
		t.Fatalf("join host: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "7", "Ann"); err != nil {
		t.Fatalf("join ann: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "8", "Bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	ch, cancel, err := svc.Subscribe(ctx, "ABC123", "7")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if err := svc.Start(ctx, "ABC123", "42"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Ann answers correctly, Bob does not. The leaderboard is published the
	// moment the last non-host participant is in.
	if err := svc.SubmitAnswer(ctx, "ABC123", "7", "q1", answer(1)); err != nil {
		t.Fatalf("submit ann: %v", err)
	}
	if err := svc.SubmitAnswer(ctx, "ABC123", "8", "q1", answer(0)); err != nil {
		t.Fatalf("submit bob: %v", err)
	}

	env := nextEvent(t, ch, protocol.EventLeaderboard)
	var lb protocol.LeaderboardPayload
	if err := json.Unmarshal(env.Payload, &lb); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if lb.Final {
		t.Fatalf("mid-quiz leaderboard marked final")
	}
	if len(lb.Entries) != 2 {
		t.Fatalf("expected two ranked entries, got %+v", lb.Entries)
	}
	if lb.Entries[0].UserID != "7" || lb.Entries[0].Points != 100 || lb.Entries[0].Rank != 1 {
		t.Fatalf("wrong leader: %+v", lb.Entries[0])
	}
	if lb.Entries[1].UserID != "8" || lb.Entries[1].Points != 0 {
		t.Fatalf("wrong runner-up: %+v", lb.Entries[1])
	}
}

func TestDuplicateAndStaleAnswersAreDropped(t *testing.T) {
	svc, rooms := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Join(ctx, "ABC123", "42", "Dana"); err != nil {
		t.Fatalf("join host: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "7", "Ann"); err != nil {
		t.Fatalf("join ann: %v", err)
	}
	if err := svc.Start(ctx, "ABC123", "42"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := svc.SubmitAnswer(ctx, "ABC123", "7", "q1", answer(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// A second submission for the same question scores nothing.
	if err := svc.SubmitAnswer(ctx, "ABC123", "7", "q1", answer(1)); err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	// After the room advanced, a late answer for q1 is dropped, not failed.
	if err := svc.Advance(ctx, "ABC123", "42", 0); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := svc.SubmitAnswer(ctx, "ABC123", "7", "q1", answer(1)); err != nil {
		t.Fatalf("stale submit: %v", err)
	}

	room, _ := rooms.Get("ABC123")
	room.mu.RLock()
	points := room.participants["7"].Points
	room.mu.RUnlock()
	if points != 100 {
		t.Fatalf("scoring ran more than once: %d points", points)
	}
}

func TestAdvanceIsIdempotentByIndex(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Join(ctx, "ABC123", "42", "Dana"); err != nil {
		t.Fatalf("join host: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "7", "Ann"); err != nil {
		t.Fatalf("join ann: %v", err)
	}
	ch, cancel, err := svc.Subscribe(ctx, "ABC123", "7")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if err := svc.Start(ctx, "ABC123", "42"); err != nil {
		t.Fatalf("start: %v", err)
	}
	nextEvent(t, ch, protocol.EventProblem)

	// Every client's countdown fires at once: only the first advance for the
	// current index moves the room, the duplicates fall through.
	for i := 0; i < 3; i++ {
		if err := svc.Advance(ctx, "ABC123", "7", 0); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	env := nextEvent(t, ch, protocol.EventProblem)
	var pp protocol.ProblemPayload
	if err := json.Unmarshal(env.Payload, &pp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pp.CurrentIndex != 1 || pp.ID != "q2" {
		t.Fatalf("duplicate advance skipped a question: %+v", pp)
	}
	expectNoEvent(t, ch, protocol.EventProblem)
}

func TestQuizEndsAfterLastQuestion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Join(ctx, "ABC123", "42", "Dana"); err != nil {
		t.Fatalf("join host: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "7", "Ann"); err != nil {
		t.Fatalf("join ann: %v", err)
	}
	ch, cancel, err := svc.Subscribe(ctx, "ABC123", "7")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if err := svc.Start(ctx, "ABC123", "42"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := svc.SubmitAnswer(ctx, "ABC123", "7", "q1", answer(1)); err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	if err := svc.Advance(ctx, "ABC123", "42", 0); err != nil {
		t.Fatalf("advance 0: %v", err)
	}
	if err := svc.SubmitAnswer(ctx, "ABC123", "7", "q2", answer(0)); err != nil {
		t.Fatalf("submit q2: %v", err)
	}
	if err := svc.Advance(ctx, "ABC123", "42", 1); err != nil {
		t.Fatalf("advance 1: %v", err)
	}

	env := nextEvent(t, ch, protocol.EventQuizEnded)
	var lb protocol.LeaderboardPayload
	if err := json.Unmarshal(env.Payload, &lb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !lb.Final {
		t.Fatalf("terminal leaderboard not marked final")
	}
	if len(lb.Entries) != 1 || lb.Entries[0].Points != 150 {
		t.Fatalf("final score wrong: %+v", lb.Entries)
	}

	// The completed room accepts no further answers.
	err = svc.SubmitAnswer(ctx, "ABC123", "7", "q2", answer(0))
	if !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound after completion, got %v", err)
	}
}

func TestLateJoinerSnapshotCarriesActiveProblem(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Join(ctx, "ABC123", "42", "Dana"); err != nil {
		t.Fatalf("join host: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "7", "Ann"); err != nil {
		t.Fatalf("join ann: %v", err)
	}
	if err := svc.Start(ctx, "ABC123", "42"); err != nil {
		t.Fatalf("start: %v", err)
	}

	snap, err := svc.Join(ctx, "ABC123", "9", "Late")
	if err != nil {
		t.Fatalf("late join: %v", err)
	}
	if snap.Status != domain.RoomActive || snap.Problem == nil || snap.Problem.ID != "q1" {
		t.Fatalf("late joiner missed the active question: %+v", snap)
	}
	if snap.Problem.CorrectIndex != nil {
		t.Fatalf("late participant snapshot leaked the answer")
	}
}

func TestLeaveRemovesRoomOnceEmpty(t *testing.T) {
	svc, rooms := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Join(ctx, "ABC123", "42", "Dana"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.Join(ctx, "ABC123", "7", "Ann"); err != nil {
		t.Fatalf("join: %v", err)
	}

	svc.Leave(ctx, "ABC123", "7")
	if _, ok := rooms.Get("ABC123"); !ok {
		t.Fatalf("room dropped while occupied")
	}
	svc.Leave(ctx, "ABC123", "42")
	if _, ok := rooms.Get("ABC123"); ok {
		t.Fatalf("empty room not dropped")
	}
}

func TestScoreAnswer(t *testing.T) {
	one := 1
	cases := []struct {
		name     string
		question domain.Question
		answer   domain.AnswerValue
		want     bool
	}{
		{"choice correct", domain.Question{Type: domain.MultipleChoice, CorrectIndex: &one}, answer(1), true},
		{"choice wrong", domain.Question{Type: domain.MultipleChoice, CorrectIndex: &one}, answer(0), false},
		{"choice no selection", domain.Question{Type: domain.MultipleChoice, CorrectIndex: &one}, domain.AnswerValue{}, false},
		{"blank case-insensitive", domain.Question{Type: domain.FillInBlank, CorrectText: "Mercury"}, domain.AnswerValue{Text: " mercury "}, true},
		{"blank wrong", domain.Question{Type: domain.FillInBlank, CorrectText: "Mercury"}, domain.AnswerValue{Text: "Venus"}, false},
		{"descriptive never auto-scored", domain.Question{Type: domain.Descriptive}, domain.AnswerValue{Text: "anything"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := scoreAnswer(tc.question, tc.answer); got != tc.want {
				t.Fatalf("scoreAnswer = %v, want %v", got, tc.want)
			}
		})
	}
}
