// models/models.go
package models

import "time"

// Роли участников сессии
const (
	RoleLead        = "lead"
	RoleNavigator   = "Navigator"
	RoleImplementer = "Implementer"
)

// Статусы присутствия участника
const (
	MemberOnline  = "online"
	MemberOffline = "offline"
)

// Статусы задач
const (
	TaskPending         = "pending"
	TaskActive          = "active"
	TaskComplete        = "complete"
	TaskBlocked         = "blocked"
	TaskPendingApproval = "pendingApproval"
)

// Статусы ревью
const (
	ReviewPending          = "pending"
	ReviewApproved         = "approved"
	ReviewDeclined         = "declined"
	ReviewChangesRequested = "changes_requested"
)

// Метрики активности участника
const (
	MetricTasksAssigned   = "tasks_assigned"
	MetricTasksCompleted  = "tasks_completed"
	MetricCommitsTotal    = "commits_total"
	MetricCommitsAccepted = "commits_accepted"
)

// Session представляет сессию совместной работы; токен одновременно является инвайт-кодом
type Session struct {
	Token     string    `json:"token" db:"token"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// MemberMetrics представляет счетчики активности участника
type MemberMetrics struct {
	TasksAssigned   int `json:"tasksAssigned" db:"tasks_assigned"`
	TasksCompleted  int `json:"tasksCompleted" db:"tasks_completed"`
	CommitsTotal    int `json:"commitsTotal" db:"commits_total"`
	CommitsAccepted int `json:"commitsAccepted" db:"commits_accepted"`
}

// Member представляет участника сессии. Уникален в паре (SessionToken, Name)
type Member struct {
	ID           string        `json:"id" db:"id"`
	SessionToken string        `json:"sessionToken" db:"session_token"`
	Name         string        `json:"name" db:"name"`
	Role         string        `json:"role" db:"role"`
	Status       string        `json:"status" db:"status"`
	IsOnline     bool          `json:"isOnline" db:"-"`
	CurrentFile  *string       `json:"currentFile,omitempty" db:"current_file"`
	JoinedAt     time.Time     `json:"joinedAt" db:"joined_at"`
	LastActivity time.Time     `json:"lastActivity" db:"last_activity"`
	Metrics      MemberMetrics `json:"metrics" db:"-"`
}

// Task представляет задачу сессии
type Task struct {
	ID          string  `json:"id" db:"id"`
	Name        string  `json:"name" db:"title"`
	Status      string  `json:"status" db:"status"`
	Assignee    *string `json:"assignee,omitempty" db:"assignee"`
	Description *string `json:"description,omitempty" db:"description"`
}

// TaskUpdate описывает изменяемые поля задачи; nil означает "не менять"
type TaskUpdate struct {
	Status   *string
	Assignee *string
}

// Bottleneck представляет найденное узкое место в коде
type Bottleneck struct {
	Line        int    `json:"line"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// Improvement представляет предложение по улучшению кода
type Improvement struct {
	Line          int    `json:"line"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	SuggestedCode string `json:"suggestedCode,omitempty"`
}

// InlineComment представляет комментарий к строке кода
type InlineComment struct {
	Line    int    `json:"line"`
	Comment string `json:"comment"`
	Type    string `json:"type"`
}

// AIAnalysis представляет результат анализа кода внешним AI-сервисом
type AIAnalysis struct {
	Summary          string          `json:"summary"`
	QualityScore     int             `json:"qualityScore"`
	PerformanceScore int             `json:"performanceScore"`
	Bottlenecks      []Bottleneck    `json:"bottlenecks"`
	Improvements     []Improvement   `json:"improvements"`
	InlineComments   []InlineComment `json:"inlineComments"`
}

// PlaceholderAnalysis возвращает пустой анализ с нулевыми оценками
func PlaceholderAnalysis(summary string) *AIAnalysis {
	return &AIAnalysis{
		Summary:        summary,
		Bottlenecks:    []Bottleneck{},
		Improvements:   []Improvement{},
		InlineComments: []InlineComment{},
	}
}

// Review представляет отправленное на ревью изменение файла
type Review struct {
	ID           string      `json:"id" db:"id"`
	SessionToken string      `json:"projectId" db:"session_token"`
	SubmittedBy  string      `json:"submittedBy" db:"submitted_by"`
	AuthorName   string      `json:"submittedByName" db:"author_name"`
	TaskID       *string     `json:"taskId,omitempty" db:"task_id"`
	TaskName     *string     `json:"taskName,omitempty" db:"task_name"`
	FilePath     string      `json:"filePath" db:"file_path"`
	Language     string      `json:"language,omitempty" db:"language"`
	Content      string      `json:"content" db:"content"`
	Analysis     *AIAnalysis `json:"aiAnalysis" db:"analysis"`
	Status       string      `json:"status" db:"status"`
	Feedback     *string     `json:"feedback,omitempty" db:"feedback"`
	ReviewedBy   *string     `json:"reviewedBy,omitempty" db:"reviewed_by"`
	SubmittedAt  time.Time   `json:"submittedAt" db:"submitted_at"`
	ReviewedAt   *time.Time  `json:"reviewedAt,omitempty" db:"reviewed_at"`
}

// Project представляет полный снимок состояния сессии
type Project struct {
	Name      string    `json:"name"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	Members   []Member  `json:"members"`
	Tasks     []Task    `json:"tasks"`
	Reviews   []Review  `json:"reviews"`
}

// ValidTaskStatus проверяет, что статус задачи входит в допустимый набор
func ValidTaskStatus(status string) bool {
	switch status {
	case TaskPending, TaskActive, TaskComplete, TaskBlocked, TaskPendingApproval:
		return true
	}
	return false
}

// ValidRole проверяет, что роль входит в допустимый набор
func ValidRole(role string) bool {
	switch role {
	case RoleLead, RoleNavigator, RoleImplementer:
		return true
	}
	return false
}
