// Package storage defines the persistence interfaces for vectors and learning state.
package storage

import (
	"context"
	"iter"

	"github.com/hyperjump/agentdb/internal/models"
)

// VectorStore is the durable source of truth for embeddings. Every write has been
// committed to disk when the call returns.
type VectorStore interface {
	Insert(ctx context.Context, embedding []float32, metadata map[string]any) (string, error)
	InsertWithID(ctx context.Context, rec *models.VectorRecord) error
	Get(ctx context.Context, id string) (*models.VectorRecord, error)
	Update(ctx context.Context, id string, metadata map[string]any) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int64, error)
	Scan(ctx context.Context, pred func(*models.VectorRecord) bool) iter.Seq2[*models.VectorRecord, error]
	Count(ctx context.Context) (int64, error)
	Dimension() int
	Close() error
}

// LearningStore persists sessions, experiences, policy snapshots and quantizer state.
type LearningStore interface {
	SaveSession(ctx context.Context, sess *models.Session) error
	SaveSessionWithPolicy(ctx context.Context, sess *models.Session, policy *PolicyBlob) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, includeEnded bool) ([]*models.Session, error)

	SaveExperience(ctx context.Context, exp *models.Experience) error
	UpdateExperienceReward(ctx context.Context, id string, reward float64, breakdown models.RewardBreakdown) error
	GetExperience(ctx context.Context, id string) (*models.Experience, error)
	DeleteExperience(ctx context.Context, id string) error
	ListExperiences(ctx context.Context, sessionID string) ([]*models.Experience, error)
	CountExperiences(ctx context.Context, sessionID string) (int64, error)

	SavePolicy(ctx context.Context, policy *PolicyBlob) error
	LoadPolicy(ctx context.Context, ref string) (*PolicyBlob, error)
	ListPolicies(ctx context.Context) ([]*PolicyBlob, error)

	SaveQuantizer(ctx context.Context, state []byte) error
	LoadQuantizer(ctx context.Context) ([]byte, error)
}

// PolicyBlob is an opaque serialized policy keyed by its reference.
type PolicyBlob struct {
	Ref       string `json:"ref"`
	SessionID string `json:"session_id"`
	Algorithm string `json:"algorithm"`
	Data      []byte `json:"data"`
}
