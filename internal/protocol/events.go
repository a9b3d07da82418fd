// Package protocol defines the wire events exchanged between the realtime
// client and the session server. Every message travels as an Envelope with a
// type tag and a raw payload, mirroring a fire-and-forget pub/sub transport:
// commands have no native acknowledgment, so request/response semantics are
// layered on top by pairing a command with its *_success / *_error events.
package protocol

import (
	"encoding/json"
	"fmt"

	"quizroom-realtime/internal/domain"
)

// Client -> server commands.
const (
	EventJoinRoom     = "join_room"
	EventStartQuiz    = "start_quiz"
	EventSubmitAnswer = "submit_answer"
	EventNextProblem  = "next_problem"
	EventLeaveRoom    = "leave_room"
)

// Server -> client responses and broadcasts.
const (
	EventJoinRoomSuccess  = "join_room_success"
	EventJoinRoomError    = "join_room_error"
	EventStartQuizSuccess = "start_quiz_success"
	EventStartQuizError   = "start_quiz_error"
	EventQuizStarted      = "quiz_started"
	EventInit             = "init"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventProblem          = "problem"
	EventHostProblemData  = "host_problem_data"
	EventLeaderboard      = "leaderboard"
	EventQuizEnded        = "quiz_ended"
)

// Envelope is the outer frame of every wire message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: eventType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: raw}, nil
}

// JoinRoomPayload requests entry into a room.
type JoinRoomPayload struct {
	RoomCode    string        `json:"room_code"`
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name"`
}

// WireUser is the roster representation used by snapshot and delta events.
// The id field tolerates both string and numeric forms.
type WireUser struct {
	ID          domain.UserID `json:"id"`
	DisplayName string        `json:"display_name"`
	Role        domain.Role   `json:"role,omitempty"`
	Points      int           `json:"points"`
}

// RoomSnapshotPayload is the full-roster form carried by join_room_success
// and init.
type RoomSnapshotPayload struct {
	RoomCode     string            `json:"room_code"`
	Title        string            `json:"title,omitempty"`
	Status       domain.RoomStatus `json:"status,omitempty"`
	Hosts        []WireUser        `json:"hosts"`
	Participants []WireUser        `json:"participants"`
	// Problem carries the active question when a client joins an
	// in-progress quiz, so it can resync without replaying missed events.
	Problem *ProblemPayload `json:"problem,omitempty"`
}

// ErrorPayload carries the human-readable reason of a *_error response.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StartQuizPayload is the host-only command to begin the session.
type StartQuizPayload struct {
	RoomCode string        `json:"room_code"`
	UserID   domain.UserID `json:"user_id"`
}

// QuizStartedPayload is the broadcast confirmation of a started session.
type QuizStartedPayload struct {
	RoomCode string `json:"room_code"`
}

// UserJoinedPayload is the incremental roster delta. The server may send
// either the full user list or a single user; both forms are tolerated.
type UserJoinedPayload struct {
	AllUsers []WireUser `json:"all_users,omitempty"`
	User     *WireUser  `json:"user,omitempty"`
}

// UserLeftPayload removes one user from the roster.
type UserLeftPayload struct {
	UserID domain.UserID `json:"user_id"`
}

// ProblemPayload announces the newly active question. TimerSeconds is a
// pointer because absence is meaningful: the client falls back to its
// configured default, or runs untimed when no default is configured.
type ProblemPayload struct {
	ID            string              `json:"id"`
	Text          string              `json:"text"`
	Type          domain.QuestionType `json:"type"`
	Options       []string            `json:"options,omitempty"`
	Points        int                 `json:"points"`
	TimerSeconds  *int                `json:"timer_duration,omitempty"`
	CurrentIndex  int                 `json:"current_index"`
	TotalProblems int                 `json:"total_problems"`
	// CorrectIndex rides only on host_problem_data.
	CorrectIndex *int `json:"correct_answer,omitempty"`
}

// Question converts the wire form into the domain form. defaultSeconds is
// applied when the broadcast omits the timer; pass 0 to leave the question
// untimed in that case.
func (p ProblemPayload) Question(defaultSeconds int) domain.Question {
	seconds := defaultSeconds
	if p.TimerSeconds != nil {
		seconds = *p.TimerSeconds
	}
	if seconds < 0 {
		seconds = 0
	}
	qt := p.Type
	if qt == "" {
		qt = domain.MultipleChoice
	}
	return domain.Question{
		ID:           p.ID,
		Text:         p.Text,
		Type:         qt,
		Options:      p.Options,
		Points:       p.Points,
		TimerSeconds: seconds,
		CorrectIndex: p.CorrectIndex,
	}
}

// SubmitAnswerPayload carries one participant's answer.
type SubmitAnswerPayload struct {
	RoomCode   string             `json:"room_code"`
	UserID     domain.UserID      `json:"user_id"`
	QuestionID string             `json:"question_id"`
	Answer     domain.AnswerValue `json:"answer"`
}

// NextProblemPayload asks the server to advance past the given question
// index. The server treats it as idempotent: only the first request for the
// current index advances, later duplicates are dropped as stale.
type NextProblemPayload struct {
	RoomCode string        `json:"room_code"`
	UserID   domain.UserID `json:"user_id"`
	Index    int           `json:"index"`
}

// LeaderboardPayload carries ranked scores after a question or at quiz end.
type LeaderboardPayload struct {
	RoomCode string                    `json:"room_code"`
	Entries  []domain.LeaderboardEntry `json:"entries"`
	Final    bool                      `json:"final,omitempty"`
}

// LeaveRoomPayload is the best-effort departure command.
type LeaveRoomPayload struct {
	RoomCode string        `json:"room_code"`
	UserID   domain.UserID `json:"user_id"`
}

// Users converts wire users into domain participants, tagging each with the
// given role when the wire form left it blank.
func Users(users []WireUser, fallback domain.Role) []domain.Participant {
	out := make([]domain.Participant, 0, len(users))
	for _, u := range users {
		if u.ID.IsZero() {
			continue
		}
		role := u.Role
		if role == "" {
			role = fallback
		}
		out = append(out, domain.Participant{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Role:        role,
			Points:      u.Points,
		})
	}
	return out
}
