package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ExtractDocumentTask is scheduled each time a PDF is uploaded.
	ExtractDocumentTask = "document:extract"
)

// ExtractPayload is serialized into the task payload so the worker knows
// which object to download and which pages to read.
type ExtractPayload struct {
	DocumentID string `json:"document_id"`
	ObjectKey  string `json:"object_key"`
	FileName   string `json:"file_name"`
	// Page is the 1-based page to extract; 0 means every page.
	Page int `json:"page,omitempty"`
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// NewExtractTask builds the task for payload.
func NewExtractTask(payload ExtractPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(ExtractDocumentTask, data), nil
}

// ParseExtractPayload decodes the payload of an extract task.
func ParseExtractPayload(task *asynq.Task) (ExtractPayload, error) {
	var payload ExtractPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ExtractPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" || payload.ObjectKey == "" {
		return ExtractPayload{}, fmt.Errorf("decode payload: missing document id or object key")
	}
	return payload, nil
}

// EnqueueExtract enqueues a PDF extraction job.
func EnqueueExtract(ctx context.Context, client Enqueuer, payload ExtractPayload) error {
	task, err := NewExtractTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5), asynq.TaskID(payload.DocumentID)); err != nil {
		return fmt.Errorf("enqueue extract task: %w", err)
	}
	return nil
}
