// Package queue implements an at-least-once message queue on top of the
// relational database. Messages become invisible for a caller-chosen
// visibility timeout when received; a consumer that finishes in time deletes
// the message with the pop receipt it was handed, and a consumer that
// crashes simply lets the timeout lapse so the message reappears with an
// incremented dequeue count.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned by Delete and UpdateVisibility when no message
// matches the id and pop receipt. The usual cause is a visibility timeout
// that lapsed and let another consumer receive the message.
var ErrNotFound = errors.New("message not found or pop receipt stale")

// Message is one received queue message. PopReceipt is rotated on every
// receive, so deletes from a stale consumer fail instead of removing a
// message another consumer is processing.
type Message struct {
	ID           string
	Body         string
	DequeueCount int
	PopReceipt   string
	EnqueuedAt   time.Time
}

// Queue is the producer/consumer interface used by the scheduler, the API
// trigger path and the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, body string) error
	// Receive leases up to max messages for the visibility duration.
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, id, popReceipt string) error
	// UpdateVisibility extends or shortens the lease on a received message.
	UpdateVisibility(ctx context.Context, id, popReceipt string, visibility time.Duration) error
	// Length reports the number of messages in the queue, visible or not.
	Length(ctx context.Context) (int64, error)
}

// message is the GORM row backing one queue message.
type message struct {
	ID           string    `gorm:"primaryKey"`
	QueueName    string    `gorm:"not null"`
	Body         string    `gorm:"type:text;not null"`
	DequeueCount int       `gorm:"not null;default:0"`
	VisibleAt    time.Time `gorm:"not null"`
	PopReceipt   string    `gorm:"not null"`
	EnqueuedAt   time.Time `gorm:"not null"`
}

func (message) TableName() string { return "queue_messages" }

type gormQueue struct {
	db   *gorm.DB
	name string
}

// New returns a Queue named name backed by the provided *gorm.DB. The
// queue_messages table must already exist (created by the embedded
// migrations). Multiple queues share the table, keyed by name.
func New(db *gorm.DB, name string) Queue {
	return &gormQueue{db: db, name: name}
}

// Enqueue appends a message, immediately visible.
func (q *gormQueue) Enqueue(ctx context.Context, body string) error {
	now := time.Now().UTC()
	err := q.db.WithContext(ctx).Create(&message{
		ID:         uuid.NewString(),
		QueueName:  q.name,
		Body:       body,
		VisibleAt:  now,
		PopReceipt: uuid.NewString(),
		EnqueuedAt: now,
	}).Error
	if err != nil {
		return fmt.Errorf("queue: enqueue to %s: %w", q.name, err)
	}
	return nil
}

// Receive leases up to max currently-visible messages. The lease is taken
// inside a transaction so two concurrent receivers never lease the same
// message: each candidate row is re-claimed with a guarded UPDATE and
// dropped from the batch if another receiver won the race.
func (q *gormQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	var out []Message

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []message
		err := tx.
			Where("queue_name = ? AND visible_at <= ?", q.name, now).
			Order("enqueued_at ASC").
			Limit(max).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for _, m := range candidates {
			receipt := uuid.NewString()
			res := tx.Model(&message{}).
				Where("id = ? AND pop_receipt = ?", m.ID, m.PopReceipt).
				Updates(map[string]any{
					"dequeue_count": gorm.Expr("dequeue_count + 1"),
					"visible_at":    now.Add(visibility),
					"pop_receipt":   receipt,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			out = append(out, Message{
				ID:           m.ID,
				Body:         m.Body,
				DequeueCount: m.DequeueCount + 1,
				PopReceipt:   receipt,
				EnqueuedAt:   m.EnqueuedAt.UTC(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive from %s: %w", q.name, err)
	}
	return out, nil
}

// Delete removes a message. The pop receipt must match the one issued by the
// receive that leased it.
func (q *gormQueue) Delete(ctx context.Context, id, popReceipt string) error {
	res := q.db.WithContext(ctx).
		Where("id = ? AND queue_name = ? AND pop_receipt = ?", id, q.name, popReceipt).
		Delete(&message{})
	if res.Error != nil {
		return fmt.Errorf("queue: delete %s from %s: %w", id, q.name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateVisibility re-leases a message the caller already holds.
func (q *gormQueue) UpdateVisibility(ctx context.Context, id, popReceipt string, visibility time.Duration) error {
	res := q.db.WithContext(ctx).Model(&message{}).
		Where("id = ? AND queue_name = ? AND pop_receipt = ?", id, q.name, popReceipt).
		Update("visible_at", time.Now().UTC().Add(visibility))
	if res.Error != nil {
		return fmt.Errorf("queue: update visibility %s in %s: %w", id, q.name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Length counts all messages in the queue regardless of visibility.
func (q *gormQueue) Length(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&message{}).
		Where("queue_name = ?", q.name).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("queue: length of %s: %w", q.name, err)
	}
	return n, nil
}
