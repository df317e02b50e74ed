// Package memory persists conversations. It sits behind the gateway's sink:
// the gateway never writes here itself.
package memory

import (
	"context"
	"time"

	"chatgate/internal/llm"
)

// Record is a stored conversation message with the metadata of the
// generation that produced it, if any.
type Record struct {
	Message      llm.Message
	GenerationID string
	Provider     string
	Model        string
	Usage        llm.Usage
	CreatedAt    time.Time
}

// Store is the interface for persistent conversation storage.
type Store interface {
	Append(ctx context.Context, conversationID string, rec Record) error
	History(ctx context.Context, conversationID string, limit int) ([]llm.Message, error)
	Records(ctx context.Context, conversationID string, limit int) ([]Record, error)
	Conversations(ctx context.Context) ([]string, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
