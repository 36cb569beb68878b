package storage

import (
	"fmt"
	"sync"
	"time"
)

// MemoryStorage backs the bot when Mongo is disabled or unreachable. Job
// records kept here do not survive a restart, so the registry rebuild is a
// no-op in this mode.
type MemoryStorage struct {
	mutex   sync.RWMutex
	users   map[int64]*User
	models  map[string]*Model
	prompts map[string]*Prompt
	jobs    map[string]*JobRecord
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:   make(map[int64]*User),
		models:  make(map[string]*Model),
		prompts: make(map[string]*Prompt),
		jobs:    make(map[string]*JobRecord),
	}
}

func (m *MemoryStorage) EnsureUser(user User) (*User, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if existing, ok := m.users[user.TelegramId]; ok {
		existing.Username = user.Username
		existing.FirstName = user.FirstName
		u := *existing
		return &u, nil
	}
	user.Credits = initialCredits
	user.CreatedAt = time.Now()
	m.users[user.TelegramId] = &user
	u := user
	return &u, nil
}

func (m *MemoryStorage) GetUser(telegramId int64) (*User, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	user, ok := m.users[telegramId]
	if !ok {
		return nil, nil
	}
	u := *user
	return &u, nil
}

func (m *MemoryStorage) CreateModel(model Model) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	model.CreatedAt = time.Now()
	model.UpdatedAt = model.CreatedAt
	m.models[model.Id] = &model
	return nil
}

func (m *MemoryStorage) UpdateModelStatus(modelId, status, errMsg string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	model, ok := m.models[modelId]
	if !ok {
		return fmt.Errorf("model %s not found", modelId)
	}
	model.Status = status
	model.Error = errMsg
	model.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) ListModels(telegramId int64) ([]Model, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var models []Model
	for _, model := range m.models {
		if model.TelegramUserId == telegramId {
			models = append(models, *model)
		}
	}
	return models, nil
}

func (m *MemoryStorage) CreatePrompt(prompt Prompt) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	prompt.CreatedAt = time.Now()
	prompt.UpdatedAt = prompt.CreatedAt
	m.prompts[prompt.Id] = &prompt
	return nil
}

func (m *MemoryStorage) SavePromptResult(promptId, status string, images []string, errMsg string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	prompt, ok := m.prompts[promptId]
	if !ok {
		return fmt.Errorf("prompt %s not found", promptId)
	}
	prompt.Status = status
	prompt.Images = images
	prompt.Error = errMsg
	prompt.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) SaveJob(job JobRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.jobs[job.JobId] = &job
	return nil
}

func (m *MemoryStorage) DeleteJob(jobId string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.jobs, jobId)
	return nil
}

func (m *MemoryStorage) ListJobs() ([]JobRecord, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	jobs := make([]JobRecord, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
