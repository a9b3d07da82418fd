package domain

import "errors"

var (
	// ErrConnectionTimeout is returned when the transport could not be
	// established within the configured deadline.
	ErrConnectionTimeout = errors.New("connection attempt timed out")
	// ErrConnectionClosed is returned for operations issued on a torn-down
	// connection, and resolves any commands still in flight at teardown.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRequestTimeout is returned when a correlated response never arrived.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrJoinTimeout is returned when a join command specifically went
	// unanswered, so callers can offer a retry instead of a generic failure.
	ErrJoinTimeout = errors.New("join timed out")
	// ErrJoinRejected is returned when the server declined a join.
	ErrJoinRejected = errors.New("join rejected")
	// ErrStartRejected is returned when the server declined to start the quiz.
	ErrStartRejected = errors.New("start rejected")
	// ErrNotHost is returned when a participant issues a host-only intent.
	ErrNotHost = errors.New("operation requires host role")
	// ErrRoomNotFound indicates the room code does not resolve to a live room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrParticipantNotFound is returned when a user acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in room")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrRoomNotStartable is returned when start is requested outside waiting.
	ErrRoomNotStartable = errors.New("room is not in a startable state")
)
