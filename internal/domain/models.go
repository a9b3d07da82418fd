package domain

import "time"

// RoomStatus is the lifecycle of a multiplayer room.
type RoomStatus string

const (
	RoomWaiting   RoomStatus = "waiting"
	RoomActive    RoomStatus = "active"
	RoomCompleted RoomStatus = "completed"
)

// Role distinguishes hosts from answering participants. A room may carry
// more than one host; the role is fixed for the lifetime of the room.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Participant represents one connected human in a room.
type Participant struct {
	ID          UserID    `json:"id"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	Points      int       `json:"points"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Room is the client-side mirror of a server-owned quiz room. It is rebuilt
// from snapshot events and patched by incremental deltas; it never holds two
// entries that resolve to the same identity.
type Room struct {
	Code         string        `json:"code"`
	Title        string        `json:"title"`
	Status       RoomStatus    `json:"status"`
	Participants []Participant `json:"participants"`
}

// QuestionType enumerates the supported question shapes.
type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	TrueFalse      QuestionType = "true_false"
	FillInBlank    QuestionType = "fill_in_blank"
	Descriptive    QuestionType = "descriptive"
)

// Question is immutable once broadcast. CorrectIndex and CorrectText are only
// populated on the host-side augmented broadcast; participants never see them.
type Question struct {
	ID           string       `json:"id"`
	Text         string       `json:"text"`
	Type         QuestionType `json:"type"`
	Options      []string     `json:"options,omitempty"`
	Points       int          `json:"points"` // defaults to 1 if zero
	TimerSeconds int          `json:"timerSeconds"`
	CorrectIndex *int         `json:"correctIndex,omitempty"`
	CorrectText  string       `json:"correctText,omitempty"`
}

// Quiz is the ordered question set behind one room.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
}

// WithDefaults returns a copy with authoring gaps filled: a zero-point
// question is worth one point and a negative timer runs untimed. Quiz
// repositories apply it on load so cached content is always normalized.
func (q Quiz) WithDefaults() Quiz {
	questions := append([]Question(nil), q.Questions...)
	for i := range questions {
		if questions[i].Points == 0 {
			questions[i].Points = 1
		}
		if questions[i].TimerSeconds < 0 {
			questions[i].TimerSeconds = 0
		}
	}
	q.Questions = questions
	return q
}

// AnswerValue is a participant's answer: an option index for choice-style
// questions or free text for the rest.
type AnswerValue struct {
	OptionIndex *int   `json:"optionIndex,omitempty"`
	Text        string `json:"text,omitempty"`
}

// LeaderboardEntry is one ranked score snapshot. Leaderboard payloads may
// omit display metadata; entries are merged into the roster by identity, not
// substituted for it.
type LeaderboardEntry struct {
	UserID UserID `json:"userId"`
	Points int    `json:"points"`
	Rank   int    `json:"rank"`
}
