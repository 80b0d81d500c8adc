package threads

import (
	"context"
	"errors"
	"time"
)

// ErrNoActiveThread is returned by Complete when the user has no active
// thread to transition.
var ErrNoActiveThread = errors.New("threads: no active thread for user")

// ThreadRecord is one conversation between an external user and the support
// channel. ThreadTS anchors every reply, MessageTS identifies the message
// carrying the action buttons, RecordID is assigned by the store and is
// required for later update/delete calls.
type ThreadRecord struct {
	UserID    string
	Channel   string
	ThreadTS  string
	MessageTS string
	RecordID  string
}

// Store is the persistence boundary: two remote collections, one for active
// and one for completed threads. Every call is a network round trip and may
// fail. Create calls return the identity the store assigned to the new row.
type Store interface {
	ListActive(ctx context.Context) ([]ThreadRecord, error)
	ListCompleted(ctx context.Context) ([]ThreadRecord, error)
	CreateActive(ctx context.Context, rec ThreadRecord) (recordID string, err error)
	CreateCompleted(ctx context.Context, rec ThreadRecord) (recordID string, err error)
	TouchActive(ctx context.Context, recordID string, at time.Time) error
	DeleteActive(ctx context.Context, recordID string) error
	DeleteCompleted(ctx context.Context, recordID string) error
}
