package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueRunPipeline = "queue:run_pipeline"

	heartbeatPrefix = "heartbeat:"
)

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	ProjectID uuid.UUID `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	return decodeJob(result)
}

func decodeJob(result []string) (*Job, error) {
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ProjectID == uuid.Nil {
		return nil, fmt.Errorf("job %s has no project id", job.ID)
	}

	return &job, nil
}

// EnqueueRunPipeline enqueues a full pipeline run for a claimed project
func (q *Queue) EnqueueRunPipeline(ctx context.Context, projectID uuid.UUID) error {
	job := &Job{
		ID:        uuid.New(),
		Type:      "run_pipeline",
		ProjectID: projectID,
	}
	return q.Enqueue(ctx, QueueRunPipeline, job)
}

// Beat marks a project's run as alive for ttl.
func (q *Queue) Beat(ctx context.Context, projectID uuid.UUID, ttl time.Duration) error {
	return q.client.Set(ctx, heartbeatKey(projectID), time.Now().Unix(), ttl).Err()
}

// Clear removes a project's heartbeat.
func (q *Queue) Clear(ctx context.Context, projectID uuid.UUID) error {
	return q.client.Del(ctx, heartbeatKey(projectID)).Err()
}

// HasHeartbeat reports whether any process is running the project.
func (q *Queue) HasHeartbeat(ctx context.Context, projectID uuid.UUID) (bool, error) {
	n, err := q.client.Exists(ctx, heartbeatKey(projectID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat: %w", err)
	}
	return n > 0, nil
}

func heartbeatKey(projectID uuid.UUID) string {
	return heartbeatPrefix + projectID.String()
}
