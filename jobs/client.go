package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Leogelv/astria-portraits-telegram-bot/core"
	"github.com/Leogelv/astria-portraits-telegram-bot/lib/sl"
)

// TrainParams describes one model-training submission.
type TrainParams struct {
	ModelId    string
	Name       string
	Type       string
	Images     []string
	TelegramId int64
}

// GenerateParams describes one image-generation submission.
type GenerateParams struct {
	PromptId   string
	ModelId    string
	Prompt     string
	NumImages  int
	TelegramId int64
}

// Runner triggers work on the external workflow engine and returns the
// externally-assigned job id.
type Runner interface {
	SubmitTraining(ctx context.Context, p TrainParams) (string, error)
	SubmitGeneration(ctx context.Context, p GenerateParams) (string, error)
}

type trainRequest struct {
	ModelId    string   `json:"model_id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Images     []string `json:"images"`
	TelegramId int64    `json:"telegram_id"`
}

type generateRequest struct {
	PromptId   string `json:"prompt_id"`
	ModelId    string `json:"modelId"`
	Prompt     string `json:"prompt"`
	NumImages  int    `json:"numImages"`
	TelegramId int64  `json:"telegram_id"`
}

type submitResponse struct {
	JobId string `json:"jobId"`
	Error string `json:"error"`
}

// Client talks to the workflow engine's trigger endpoints.
type Client struct {
	conf   *core.Config
	client *http.Client
	log    *slog.Logger
}

func NewClient(conf *core.Config, log *slog.Logger) *Client {
	return &Client{
		conf:   conf,
		client: &http.Client{Timeout: conf.ApiTimeout()},
		log:    log.With(sl.Module("workflow-client")),
	}
}

func (c *Client) SubmitTraining(ctx context.Context, p TrainParams) (string, error) {
	url := c.conf.Api.BaseUrl + c.conf.Api.TrainEndpoint
	c.log.With(
		sl.User(p.TelegramId),
		slog.String("model", p.Name),
		slog.Int("images", len(p.Images)),
	).Info("submitting training")
	return c.post(ctx, url, trainRequest{
		ModelId:    p.ModelId,
		Name:       p.Name,
		Type:       p.Type,
		Images:     p.Images,
		TelegramId: p.TelegramId,
	})
}

func (c *Client) SubmitGeneration(ctx context.Context, p GenerateParams) (string, error) {
	url := c.conf.Api.BaseUrl + c.conf.Api.GenerateEndpoint
	c.log.With(
		sl.User(p.TelegramId),
		slog.String("model", p.ModelId),
	).Info("submitting generation")
	return c.post(ctx, url, generateRequest{
		PromptId:   p.PromptId,
		ModelId:    p.ModelId,
		Prompt:     p.Prompt,
		NumImages:  p.NumImages,
		TelegramId: p.TelegramId,
	})
}

func (c *Client) post(ctx context.Context, url string, payload any) (string, error) {
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return "", fmt.Errorf("making request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("sending request: %w", err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Error("closing response body", sl.Err(err))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Transient(fmt.Errorf("reading response body: %w", err))
	}

	if retriableStatus(resp.StatusCode) {
		return "", Transient(fmt.Errorf("workflow engine returned %d: %s", resp.StatusCode, truncate(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("workflow engine rejected request with %d: %s", resp.StatusCode, truncate(body))
	}

	var sub submitResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if sub.JobId == "" {
		return "", fmt.Errorf("workflow engine returned no job id: %s", truncate(body))
	}
	c.log.With(sl.Job(sub.JobId)).Debug("job accepted")
	return sub.JobId, nil
}

func retriableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
