package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

const (
	taskTypeJob = "job:execute"
	queueName   = "jobs"
)

// Manager はジョブ本体を Asynq ワーカーで実行します。
// 重複排除と進捗配信はあくまで Registry の責務で、Manager は
// 実行の引き受け（Scheduler 実装）のみを担います。
type Manager struct {
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	registry *Registry
	logger   *log.Logger
}

// taskPayload はジョブ実行タスクのペイロードです。
type taskPayload struct {
	JobID string `json:"jobId"`
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, concurrency int, registry *Registry, logger *log.Logger) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		client:   client,
		server:   server,
		mux:      mux,
		registry: registry,
		logger:   logger,
	}
	mux.HandleFunc(taskTypeJob, manager.handleJobTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// Schedule はジョブ実行タスクをキューに投入します。Scheduler を実装します。
// リトライは行いません。失敗時の終了イベント合成は Registry の安全網が担うため、
// Asynq のリトライで本体が二重実行されることを避けます。
func (m *Manager) Schedule(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	body, err := json.Marshal(taskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeJob, body, asynq.Queue(queueName))
	_, err = m.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	return err
}

func (m *Manager) handleJobTask(ctx context.Context, task *asynq.Task) error {
	var payload taskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload")
	}
	return m.registry.Execute(ctx, payload.JobID)
}

// Scheduler インターフェース実装の確認
var _ Scheduler = (*Manager)(nil)
