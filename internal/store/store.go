// Package store keeps generation records for the HTTP service.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Status is a generation's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrNotFound = errors.New("generation not found")
	ErrExists   = errors.New("generation already exists")
)

// Record is one stored generation. Request and Result are the API's JSON
// payloads and are kept opaque here.
type Record struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Background  bool            `json:"background"`
	Request     json.RawMessage `json:"request,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Finish moves r to a terminal status stamped at now.
func (r *Record) Finish(status Status, now time.Time) {
	r.Status = status
	r.UpdatedAt = now
	r.CompletedAt = &now
}

func (r *Record) clone() *Record {
	c := *r
	c.Request = append(json.RawMessage(nil), r.Request...)
	c.Result = append(json.RawMessage(nil), r.Result...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Store persists generation records. Implementations are safe for
// concurrent use.
type Store interface {
	// Create inserts rec, assigning an ID and timestamps when unset.
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]*Record, error)
	// Update applies fn to the stored record atomically. If fn returns an
	// error nothing is written and the error is returned.
	Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// NewID returns a fresh generation id.
func NewID() string {
	return "gen_" + uuid.NewString()
}

func prepare(rec *Record, now time.Time) {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
}
