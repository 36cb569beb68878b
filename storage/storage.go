package storage

import "time"

// Model and prompt lifecycle statuses, as reported by the workflow engine.
const (
	StatusTraining   = "training"
	StatusGenerating = "generating"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

const initialCredits = 500

type User struct {
	TelegramId int64     `bson:"telegram_id"`
	Username   string    `bson:"username"`
	FirstName  string    `bson:"first_name"`
	Credits    int       `bson:"credits"`
	CreatedAt  time.Time `bson:"created_at"`
}

type Model struct {
	Id             string    `bson:"model_id"`
	TelegramUserId int64     `bson:"telegram_user_id"`
	Name           string    `bson:"name"`
	Type           string    `bson:"type"`
	Status         string    `bson:"status"`
	Error          string    `bson:"error,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

type Prompt struct {
	Id             string    `bson:"prompt_id"`
	TelegramUserId int64     `bson:"telegram_user_id"`
	ModelId        string    `bson:"model_id"`
	Text           string    `bson:"text"`
	Status         string    `bson:"status"`
	Images         []string  `bson:"images,omitempty"`
	Error          string    `bson:"error,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

// JobRecord is the durable copy of a correlation entry. The in-memory
// registry is a cache over these records and is rebuilt from them on
// startup, so a completion callback arriving after a process restart can
// still find its owner.
type JobRecord struct {
	JobId       string    `bson:"job_id"`
	UserId      int64     `bson:"user_id"`
	Kind        string    `bson:"kind"`
	Generation  uint64    `bson:"generation"`
	RecordId    string    `bson:"record_id"`
	SubmittedAt time.Time `bson:"submitted_at"`
}

type Storage interface {
	EnsureUser(user User) (*User, error)
	GetUser(telegramId int64) (*User, error)

	CreateModel(model Model) error
	UpdateModelStatus(modelId, status, errMsg string) error
	ListModels(telegramId int64) ([]Model, error)

	CreatePrompt(prompt Prompt) error
	SavePromptResult(promptId, status string, images []string, errMsg string) error

	SaveJob(job JobRecord) error
	DeleteJob(jobId string) error
	ListJobs() ([]JobRecord, error)

	Close() error
}
