package protocol

import (
	"github.com/untibullet/session-hub/internal/models"
)

// Типы исходящих событий
const (
	EventSessionJoined = "session:joined"
	EventSessionError  = "session:error"
	EventMembersUpdate = "members:update"
	EventTasksUpdate   = "tasks:update"
	EventReviewsUpdate = "reviews:update"
)

// Коды ошибок в session:error
const (
	ErrCodeValidation = "VALIDATION"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeInternal   = "INTERNAL"
)

// Event - исходящий конверт {type, payload}
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ErrorPayload - содержимое session:error
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinedPayload - содержимое session:joined
type JoinedPayload struct {
	Project models.Project `json:"project"`
	Role    string         `json:"role"`
	Member  string         `json:"member"`
}

// Joined формирует событие session:joined
func Joined(project models.Project, role, member string) Event {
	return Event{Type: EventSessionJoined, Payload: JoinedPayload{Project: project, Role: role, Member: member}}
}

// Error формирует событие session:error
func Error(code, message string) Event {
	return Event{Type: EventSessionError, Payload: ErrorPayload{Code: code, Message: message}}
}

// MembersUpdate формирует событие members:update
func MembersUpdate(members []models.Member) Event {
	if members == nil {
		members = []models.Member{}
	}
	return Event{Type: EventMembersUpdate, Payload: members}
}

// TasksUpdate формирует событие tasks:update
func TasksUpdate(tasks []models.Task) Event {
	if tasks == nil {
		tasks = []models.Task{}
	}
	return Event{Type: EventTasksUpdate, Payload: tasks}
}

// ReviewsUpdate формирует событие reviews:update
func ReviewsUpdate(reviews []models.Review) Event {
	if reviews == nil {
		reviews = []models.Review{}
	}
	return Event{Type: EventReviewsUpdate, Payload: reviews}
}
