// Package protocol описывает JSON-конверты, которыми участники обмениваются с сервером
// по постоянному соединению.
//
// Входящий конверт {type, payload, token?, member?} декодируется один раз на границе
// транспорта в один из закрытого набора вариантов Message. Неизвестный тип становится
// вариантом Unrecognized, а не ошибкой.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/untibullet/session-hub/internal/models"
)

// Типы входящих сообщений
const (
	TypeSessionCreate        = "session:create"
	TypeSessionJoin          = "session:join"
	TypeTaskCreate           = "task:create"
	TypeTaskAssign           = "task:assign"
	TypeTaskApprove          = "task:approve"
	TypeFileSaved            = "file:saved"
	TypeFileFocus            = "file:focus"
	TypeFileClosed           = "file:closed"
	TypeReviewSubmit         = "review:submit"
	TypeReviewApprove        = "review:approve"
	TypeReviewDecline        = "review:decline"
	TypeReviewRequestChanges = "review:request_changes"
)

// ErrMalformed возвращается, когда сообщение не является корректным JSON-конвертом
var ErrMalformed = errors.New("malformed envelope")

// ValidationError сообщает об отсутствующем или некорректном поле
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("missing required field: %s", e.Field)
}

func missing(field string) error {
	return &ValidationError{Field: field}
}

// Header содержит необязательные поля маршрутизации конверта
type Header struct {
	Token  string
	Member string
}

// Message - входящее сообщение одного из известных видов
type Message interface {
	Kind() string
	Envelope() Header
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Token   string          `json:"token,omitempty"`
	Member  string          `json:"member,omitempty"`
}

type base struct {
	kind   string
	header Header
}

func (b base) Kind() string     { return b.kind }
func (b base) Envelope() Header { return b.header }

// SessionCreate создает сессию; отправитель становится ее лидом
type SessionCreate struct {
	base
	ProjectName string `json:"projectName"`
	Token       string `json:"token"`
	Member      string `json:"member"`
}

// SessionJoin присоединяет отправителя к существующей сессии
type SessionJoin struct {
	base
	Token  string `json:"token"`
	Member string `json:"member"`
}

// TaskCreate создает или обновляет задачу по id
type TaskCreate struct {
	base
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Assignee    *string `json:"assignee"`
	Description *string `json:"description"`
}

// TaskAssign назначает исполнителя задаче
type TaskAssign struct {
	base
	TaskID   string `json:"taskId"`
	TaskName string `json:"taskName"`
	Assignee string `json:"assignee"`
	// Member - устаревший синоним Assignee
	Member string `json:"member"`
}

// TaskApprove переводит задачу в статус complete
type TaskApprove struct {
	base
	TaskID   string `json:"taskId"`
	TaskName string `json:"taskName"`
}

// FileActivity - file:saved или file:focus
type FileActivity struct {
	base
	FilePath string `json:"filePath"`
}

// FileClosed сбрасывает текущий файл участника
type FileClosed struct {
	base
	FilePath string `json:"filePath"`
}

// ReviewSubmit отправляет изменение на ревью
type ReviewSubmit struct {
	base
	SubmittedBy     string          `json:"submittedBy"`
	SubmittedByName string          `json:"submittedByName"`
	AuthorName      string          `json:"authorName"`
	TaskID          *string         `json:"taskId"`
	TaskName        *string         `json:"taskName"`
	FilePath        string          `json:"filePath"`
	Content         string          `json:"content"`
	Language        string          `json:"language"`
	Files           []ReviewFile    `json:"files"`
	AIAnalysis      json.RawMessage `json:"aiAnalysis"`
}

// ReviewFile - файл внутри ревью в расширенном формате клиента
type ReviewFile struct {
	Path         string `json:"path"`
	OriginalCode string `json:"originalCode"`
	ProposedCode string `json:"proposedCode"`
	Language     string `json:"language"`
}

// ReviewDecision - review:approve, review:decline или review:request_changes
type ReviewDecision struct {
	base
	ReviewID string  `json:"reviewId"`
	Feedback *string `json:"feedback"`
}

// Unrecognized - сообщение неизвестного типа
type Unrecognized struct {
	base
}

// Decode разбирает конверт и возвращает типизированное сообщение.
// Ошибки валидации возвращаются как *ValidationError.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, missing("type")
	}

	b := base{kind: env.Type, header: Header{Token: env.Token, Member: env.Member}}

	var msg Message
	switch env.Type {
	case TypeSessionCreate:
		m := &SessionCreate{base: b}
		if err := decodePayload(env.Payload, m); err != nil {
			return nil, err
		}
		if m.Token == "" {
			m.Token = env.Token
		}
		if m.Member == "" {
			m.Member = env.Member
		}
		switch {
		case m.ProjectName == "":
			return nil, missing("projectName")
		case m.Token == "":
			return nil, missing("token")
		case m.Member == "":
			return nil, missing("member")
		}
		msg = m
	case TypeSessionJoin:
		m := &SessionJoin{base: b}
		if err := decodePayload(env.Payload, m); err != nil {
			return nil, err
		}
		if m.Token == "" {
			m.Token = env.Token
		}
		if m.Member == "" {
			m.Member = env.Member
		}
		switch {
		case m.Token == "":
			return nil, missing("token")
		case m.Member == "":
			return nil, missing("member")
		}
		msg = m
	case TypeTaskCreate:
		m := &TaskCreate{base: b}
		if err := decodePayload(env.Payload, m); err != nil {
			return nil, err
		}
		if m.Name == "" {
			m.Name = m.Title
		}
		if m.Name == "" {
			return nil, missing("name")
		}
		if m.Status != "" && !models.ValidTaskStatus(m.Status) {
			return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown task status: %s", m.Status)}
		}
		msg = m
	case TypeTaskAssign:
		m := &TaskAssign{base: b}
		if err := decodePayload(env.Payload, m); err != nil {
			return nil, err
		}
		if m.Assignee == "" {
			m.Assignee = m.Member
		}
		switch {
		case m.TaskID == "" && m.TaskName == "":
			return nil, missing("taskName")
		case m.Assignee == "":
			return nil, missing("assignee")
		}
		msg = m
	case TypeTaskApprove:
		m := &TaskApprove{base: b}
		if err := decodePayload(env.Payload, m); err != nil {
			return nil, err
		}
		if m.TaskID == "" && m.TaskName == "" {
			return nil, missing("taskName")
		}
		msg = m
	case TypeFileSaved, TypeFileFocus:
		m := &FileActivity{base: b}
		if err := decodePayload(env.Payload, m); err != nil {
			return nil, err
		}
		if m.FilePath == "" {
			return nil, missing("filePath")
		}
		msg = m
	case TypeFileClosed:
		m := &FileClosed{base: b}
		// payload необязателен: достаточно известного отправителя
		if len(env.Payload) > 0 && string(env.Payload) != "null" {
			if err := decodePayload(env.Payload, m); err != nil {
				return nil, err
			}
		}
		msg = m
	case TypeReviewSubmit:
		m := &ReviewSubmit{base: b}
		if err := decodePayload(env.Payload, m); err != nil {
			return nil, err
		}
		if m.SubmittedByName == "" {
			m.SubmittedByName = m.AuthorName
		}
		if len(m.Files) > 0 {
			f := m.Files[0]
			if m.FilePath == "" {
				m.FilePath = f.Path
			}
			if m.Content == "" {
				m.Content = f.ProposedCode
			}
			if m.Language == "" {
				m.Language = f.Language
			}
		}
		if m.FilePath == "" {
			return nil, missing("filePath")
		}
		msg = m
	case TypeReviewApprove, TypeReviewDecline, TypeReviewRequestChanges:
		m := &ReviewDecision{base: b}
		if err := decodePayload(env.Payload, m); err != nil {
			return nil, err
		}
		if m.ReviewID == "" {
			return nil, missing("reviewId")
		}
		msg = m
	default:
		msg = &Unrecognized{base: b}
	}

	return msg, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return missing("payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ValidationError{Field: "payload", Message: fmt.Sprintf("invalid payload: %v", err)}
	}
	return nil
}
