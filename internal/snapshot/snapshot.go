// Package snapshot exports and imports a complete, self-describing copy of a database:
// vectors, sessions, experiences, policies and the trained quantizer.
//
// A snapshot is a zstd-compressed stream of JSON values. The first value is the Header;
// every following value is one Entry.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/internal/models"
	"github.com/hyperjump/agentdb/internal/search"
	"github.com/hyperjump/agentdb/internal/storage"
)

const (
	Format  = "agentdb-snapshot"
	Version = 1
)

// Header describes the database a snapshot was taken from, enough to rebuild its index and
// quantizer without outside state.
type Header struct {
	Format       string                    `json:"format"`
	Version      int                       `json:"version"`
	Dimension    int                       `json:"dimension"`
	Metric       string                    `json:"metric"`
	IndexType    string                    `json:"index_type"`
	HNSW         config.HNSWConfig         `json:"hnsw"`
	Quantization config.QuantizationConfig `json:"quantization"`
	Quantizer    []byte                    `json:"quantizer,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
}

// Entry kinds.
const (
	KindVector     = "vector"
	KindSession    = "session"
	KindExperience = "experience"
	KindPolicy     = "policy"
)

// Entry is one record of the snapshot body.
type Entry struct {
	Kind       string               `json:"kind"`
	Vector     *models.VectorRecord `json:"vector,omitempty"`
	Session    *models.Session      `json:"session,omitempty"`
	Experience *models.Experience   `json:"experience,omitempty"`
	Policy     *storage.PolicyBlob  `json:"policy,omitempty"`
}

// Summary counts what a snapshot operation moved.
type Summary struct {
	Vectors     int  `json:"vectors"`
	Sessions    int  `json:"sessions"`
	Experiences int  `json:"experiences"`
	Policies    int  `json:"policies"`
	Quantizer   bool `json:"quantizer"`
}

// Option configures Export and Import.
type Option func(*options)

type options struct {
	logger *zap.Logger
	level  zstd.EncoderLevel
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithLevel sets the zstd compression level of Export.
func WithLevel(level zstd.EncoderLevel) Option {
	return func(o *options) {
		o.level = level
	}
}

func buildOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop(), level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Export writes a snapshot of e to w. Sessions are written before the experiences that
// reference them.
func Export(ctx context.Context, e *search.Engine, w io.Writer, opts ...Option) (*Summary, error) {
	o := buildOptions(opts)
	store := e.Store()
	cfg := e.Config()

	hdr := Header{
		Format:       Format,
		Version:      Version,
		Dimension:    e.Dimension(),
		Metric:       e.Metric().String(),
		IndexType:    cfg.Vector.IndexType,
		HNSW:         cfg.HNSW,
		Quantization: cfg.Quantization,
		CreatedAt:    time.Now().UTC(),
	}
	state, err := store.LoadQuantizer(ctx)
	switch {
	case err == nil:
		hdr.Quantizer = state
	case dberr.KindOf(err) != dberr.KindNotFound:
		return nil, err
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(o.level))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)
	sum := &Summary{Quantizer: hdr.Quantizer != nil}
	if err := writeAll(ctx, enc, store, &hdr, sum); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("flush snapshot: %w", err)
	}
	o.logger.Info("snapshot exported",
		zap.Int("vectors", sum.Vectors),
		zap.Int("sessions", sum.Sessions),
		zap.Int("experiences", sum.Experiences),
		zap.Int("policies", sum.Policies))
	return sum, nil
}

func writeAll(ctx context.Context, enc *json.Encoder, store *storage.SQLiteStore, hdr *Header, sum *Summary) error {
	if err := enc.Encode(hdr); err != nil {
		return err
	}
	for rec, err := range store.Scan(ctx, nil) {
		if err != nil {
			return err
		}
		if err := enc.Encode(&Entry{Kind: KindVector, Vector: rec}); err != nil {
			return err
		}
		sum.Vectors++
	}
	sessions, err := store.ListSessions(ctx, true)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := enc.Encode(&Entry{Kind: KindSession, Session: s}); err != nil {
			return err
		}
		sum.Sessions++
	}
	exps, err := store.ListExperiences(ctx, "")
	if err != nil {
		return err
	}
	for _, x := range exps {
		if err := enc.Encode(&Entry{Kind: KindExperience, Experience: x}); err != nil {
			return err
		}
		sum.Experiences++
	}
	policies, err := store.ListPolicies(ctx)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := enc.Encode(&Entry{Kind: KindPolicy, Policy: p}); err != nil {
			return err
		}
		sum.Policies++
	}
	return nil
}

// Import loads a snapshot into e. The snapshot dimension and metric must match the engine.
// A trained quantizer in the snapshot replaces the engine's.
func Import(ctx context.Context, e *search.Engine, r io.Reader, opts ...Option) (*Summary, error) {
	const op = "snapshot.import"
	o := buildOptions(opts)
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "not a zstd stream: %w", err)
	}
	defer zr.Close()
	dec := json.NewDecoder(zr)

	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "read header: %w", err)
	}
	if hdr.Format != Format {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "unknown format %q", hdr.Format)
	}
	if hdr.Version != Version {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "unsupported version %d", hdr.Version)
	}
	if hdr.Dimension != e.Dimension() {
		return nil, dberr.Dimension(op, e.Dimension(), hdr.Dimension)
	}
	if hdr.Metric != e.Metric().String() {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "snapshot metric %s, engine metric %s", hdr.Metric, e.Metric())
	}

	store := e.Store()
	sum := &Summary{}
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		var ent Entry
		err := dec.Decode(&ent)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return sum, dberr.Errorf(dberr.KindInvalidArgument, op, "read entry: %w", err)
		}
		if err := apply(ctx, e, store, &ent, sum); err != nil {
			return sum, err
		}
	}

	if hdr.Quantizer != nil {
		if err := store.SaveQuantizer(ctx, hdr.Quantizer); err != nil {
			return sum, err
		}
		if err := e.ReloadQuantizer(ctx); err != nil {
			return sum, err
		}
		sum.Quantizer = true
	}
	o.logger.Info("snapshot imported",
		zap.Int("vectors", sum.Vectors),
		zap.Int("sessions", sum.Sessions),
		zap.Int("experiences", sum.Experiences),
		zap.Int("policies", sum.Policies))
	return sum, nil
}

func apply(ctx context.Context, e *search.Engine, store *storage.SQLiteStore, ent *Entry, sum *Summary) error {
	const op = "snapshot.import"
	switch {
	case ent.Kind == KindVector && ent.Vector != nil:
		if err := e.InsertWithID(ctx, ent.Vector); err != nil {
			return err
		}
		sum.Vectors++
	case ent.Kind == KindSession && ent.Session != nil:
		if err := store.SaveSession(ctx, ent.Session); err != nil {
			return err
		}
		sum.Sessions++
	case ent.Kind == KindExperience && ent.Experience != nil:
		if err := store.SaveExperience(ctx, ent.Experience); err != nil {
			return err
		}
		sum.Experiences++
	case ent.Kind == KindPolicy && ent.Policy != nil:
		if err := store.SavePolicy(ctx, ent.Policy); err != nil {
			return err
		}
		sum.Policies++
	default:
		return dberr.Errorf(dberr.KindInvalidArgument, op, "malformed entry of kind %q", ent.Kind)
	}
	return nil
}
