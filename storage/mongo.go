package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection   = "telegram_users"
	modelsCollection  = "telegram_models"
	promptsCollection = "telegram_prompts"
	jobsCollection    = "telegram_jobs"
)

type MongoStorage struct {
	client  *mongo.Client
	users   *mongo.Collection
	models  *mongo.Collection
	prompts *mongo.Collection
	jobs    *mongo.Collection
	log     *slog.Logger
}

func NewMongoStorage(uri, database string, log *slog.Logger) (*MongoStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(database)
	m := &MongoStorage{
		client:  client,
		users:   db.Collection(usersCollection),
		models:  db.Collection(modelsCollection),
		prompts: db.Collection(promptsCollection),
		jobs:    db.Collection(jobsCollection),
		log:     log,
	}

	for _, idx := range []struct {
		coll *mongo.Collection
		key  string
	}{
		{m.users, "telegram_id"},
		{m.models, "model_id"},
		{m.prompts, "prompt_id"},
		{m.jobs, "job_id"},
	} {
		_, err = idx.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: idx.key, Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			log.Warn("creating index", slog.String("error", err.Error()))
		}
	}

	return m, nil
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (m *MongoStorage) EnsureUser(user User) (*User, error) {
	ctx, cancel := opCtx()
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"username":   user.Username,
			"first_name": user.FirstName,
		},
		"$setOnInsert": bson.M{
			"telegram_id": user.TelegramId,
			"credits":     initialCredits,
			"created_at":  time.Now(),
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var stored User
	err := m.users.FindOneAndUpdate(ctx, bson.M{"telegram_id": user.TelegramId}, update, opts).Decode(&stored)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return &stored, nil
}

func (m *MongoStorage) GetUser(telegramId int64) (*User, error) {
	ctx, cancel := opCtx()
	defer cancel()

	var user User
	err := m.users.FindOne(ctx, bson.M{"telegram_id": telegramId}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding user: %w", err)
	}
	return &user, nil
}

func (m *MongoStorage) CreateModel(model Model) error {
	ctx, cancel := opCtx()
	defer cancel()

	model.CreatedAt = time.Now()
	model.UpdatedAt = model.CreatedAt
	_, err := m.models.InsertOne(ctx, model)
	return err
}

func (m *MongoStorage) UpdateModelStatus(modelId, status, errMsg string) error {
	ctx, cancel := opCtx()
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":     status,
		"error":      errMsg,
		"updated_at": time.Now(),
	}}
	_, err := m.models.UpdateOne(ctx, bson.M{"model_id": modelId}, update)
	return err
}

func (m *MongoStorage) ListModels(telegramId int64) ([]Model, error) {
	ctx, cancel := opCtx()
	defer cancel()

	cursor, err := m.models.Find(ctx, bson.M{"telegram_user_id": telegramId})
	if err != nil {
		return nil, fmt.Errorf("finding models: %w", err)
	}
	var models []Model
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("decoding models: %w", err)
	}
	return models, nil
}

func (m *MongoStorage) CreatePrompt(prompt Prompt) error {
	ctx, cancel := opCtx()
	defer cancel()

	prompt.CreatedAt = time.Now()
	prompt.UpdatedAt = prompt.CreatedAt
	_, err := m.prompts.InsertOne(ctx, prompt)
	return err
}

func (m *MongoStorage) SavePromptResult(promptId, status string, images []string, errMsg string) error {
	ctx, cancel := opCtx()
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":     status,
		"images":     images,
		"error":      errMsg,
		"updated_at": time.Now(),
	}}
	_, err := m.prompts.UpdateOne(ctx, bson.M{"prompt_id": promptId}, update)
	return err
}

func (m *MongoStorage) SaveJob(job JobRecord) error {
	ctx, cancel := opCtx()
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := m.jobs.ReplaceOne(ctx, bson.M{"job_id": job.JobId}, job, opts)
	return err
}

func (m *MongoStorage) DeleteJob(jobId string) error {
	ctx, cancel := opCtx()
	defer cancel()

	_, err := m.jobs.DeleteOne(ctx, bson.M{"job_id": jobId})
	return err
}

func (m *MongoStorage) ListJobs() ([]JobRecord, error) {
	ctx, cancel := opCtx()
	defer cancel()

	cursor, err := m.jobs.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("finding jobs: %w", err)
	}
	var jobs []JobRecord
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("decoding jobs: %w", err)
	}
	return jobs, nil
}

func (m *MongoStorage) Close() error {
	ctx, cancel := opCtx()
	defer cancel()
	return m.client.Disconnect(ctx)
}
