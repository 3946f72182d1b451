// Package aiqueue hands document content to the asynchronous AI assistant
// pipeline. Enqueue is fire-and-forget; this service never reads the queue
// back, the assistant's consumer does.
package aiqueue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "studyhall:ai:handoff"

type Task struct {
	Status     string          `json:"status"`
	UserID     string          `json:"userId"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue pushes a pending analysis task. Failures are logged and dropped;
// the enqueuing operation never depends on the queue.
func (q *Queue) Enqueue(ctx context.Context, userID, documentID string, payload json.RawMessage) {
	task := Task{
		Status:     "pending",
		UserID:     userID,
		DocumentID: documentID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		log.Printf("aiqueue: marshal task for %s: %v", documentID, err)
		return
	}
	if err := q.client.LPush(ctx, queueKey, raw).Err(); err != nil {
		log.Printf("aiqueue: enqueue for %s: %v", documentID, err)
	}
}

// Pending reports the queue depth, used by health reporting.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}
