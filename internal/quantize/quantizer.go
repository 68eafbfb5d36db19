// Package quantize provides vector compression codecs (binary, scalar, product) with
// symmetric and asymmetric distance functions over their codes.
package quantize

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperjump/agentdb/internal/dberr"
)

// Method is the codec family.
type Method uint8

const (
	MethodBinary Method = iota + 1
	MethodScalar
	MethodProduct
)

func (m Method) String() string {
	switch m {
	case MethodBinary:
		return "binary"
	case MethodScalar:
		return "scalar"
	case MethodProduct:
		return "product"
	}
	return fmt.Sprintf("method(%d)", uint8(m))
}

// ParseMethod maps a config name to a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "binary":
		return MethodBinary, nil
	case "scalar":
		return MethodScalar, nil
	case "product":
		return MethodProduct, nil
	}
	return 0, dberr.Errorf(dberr.KindInvalidArgument, "quantize.parse", "unknown method %q", s)
}

// Threshold selects how binary cutoffs are chosen.
type Threshold uint8

const (
	// ThresholdMedian computes a per-dimension median from training samples.
	ThresholdMedian Threshold = iota
	// ThresholdFixed uses Config.FixedThreshold for every dimension.
	ThresholdFixed
)

// ParseThreshold maps a config name to a Threshold.
func ParseThreshold(s string) (Threshold, error) {
	switch s {
	case "", "median":
		return ThresholdMedian, nil
	case "fixed", "threshold":
		return ThresholdFixed, nil
	}
	return 0, dberr.Errorf(dberr.KindInvalidArgument, "quantize.parse", "unknown threshold %q", s)
}

// SearchMode selects how a query is compared with stored codes.
type SearchMode uint8

const (
	// Asymmetric scores the float query directly against each code.
	Asymmetric SearchMode = iota
	// Symmetric encodes the query and compares code to code.
	Symmetric
)

// ParseSearchMode maps a config name to a SearchMode.
func ParseSearchMode(s string) (SearchMode, error) {
	switch s {
	case "", "asymmetric":
		return Asymmetric, nil
	case "symmetric":
		return Symmetric, nil
	}
	return 0, dberr.Errorf(dberr.KindInvalidArgument, "quantize.parse", "unknown search mode %q", s)
}

const (
	DefaultMinTrainingSamples = 256
	productClusters           = 256
)

// Config describes a quantizer before training.
type Config struct {
	Method             Method
	Dim                int
	Threshold          Threshold
	FixedThreshold     float32
	Subvectors         int
	MinTrainingSamples int
	Seed               int64
}

// Code is a compressed vector tagged with the signature of the quantizer that produced it.
type Code struct {
	Sig  uint64
	Data []byte
}

// Scorer computes asymmetric distances from one prepared query to many codes.
type Scorer interface {
	Distance(c Code) (float64, error)
}

// Quantizer compresses vectors of a fixed dimension. Lower distances are closer.
type Quantizer interface {
	Method() Method
	Dim() int
	Train(samples [][]float32) error
	Trained() bool
	Encode(v []float32) (Code, error)
	Decode(c Code) ([]float32, error)
	// Distance compares two codes (Hamming for binary, reconstructed squared L2 otherwise).
	Distance(a, b Code) (float64, error)
	// AsymmetricDistance scores an unquantized query against a code.
	AsymmetricDistance(query []float32, c Code) (float64, error)
	NewScorer(query []float32) (Scorer, error)
	CodeSize() int
	Signature() uint64
	MarshalState() ([]byte, error)
}

// New returns an untrained quantizer for cfg.
func New(cfg Config) (Quantizer, error) {
	const op = "quantize.new"
	if cfg.Dim <= 0 {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "dimension must be positive")
	}
	if cfg.MinTrainingSamples <= 0 {
		cfg.MinTrainingSamples = DefaultMinTrainingSamples
	}
	switch cfg.Method {
	case MethodBinary:
		return newBinary(cfg), nil
	case MethodScalar:
		return newScalar(cfg), nil
	case MethodProduct:
		if cfg.Subvectors <= 0 || cfg.Dim%cfg.Subvectors != 0 {
			return nil, dberr.Errorf(dberr.KindInvalidArgument, op,
				"dimension %d not divisible by %d subvectors", cfg.Dim, cfg.Subvectors)
		}
		return newProduct(cfg), nil
	}
	return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "unknown method %v", cfg.Method)
}

// state is the self-describing serialized form shared by all codecs.
type state struct {
	Method             string      `json:"method"`
	Dim                int         `json:"dim"`
	Threshold          Threshold   `json:"threshold,omitempty"`
	FixedThreshold     float32     `json:"fixed_threshold,omitempty"`
	Subvectors         int         `json:"subvectors,omitempty"`
	MinTrainingSamples int         `json:"min_training_samples"`
	Seed               int64       `json:"seed,omitempty"`
	Trained            bool        `json:"trained"`
	Thresholds         []float32   `json:"thresholds,omitempty"`
	Scales             []float32   `json:"scales,omitempty"`
	Mins               []float32   `json:"mins,omitempty"`
	Steps              []float32   `json:"steps,omitempty"`
	Centroids          [][]float32 `json:"centroids,omitempty"`
}

func (s *state) config() Config {
	m, _ := ParseMethod(s.Method)
	return Config{
		Method:             m,
		Dim:                s.Dim,
		Threshold:          s.Threshold,
		FixedThreshold:     s.FixedThreshold,
		Subvectors:         s.Subvectors,
		MinTrainingSamples: s.MinTrainingSamples,
		Seed:               s.Seed,
	}
}

func baseState(cfg Config) state {
	return state{
		Method:             cfg.Method.String(),
		Dim:                cfg.Dim,
		Threshold:          cfg.Threshold,
		FixedThreshold:     cfg.FixedThreshold,
		Subvectors:         cfg.Subvectors,
		MinTrainingSamples: cfg.MinTrainingSamples,
		Seed:               cfg.Seed,
	}
}

// Unmarshal restores a quantizer from MarshalState output.
func Unmarshal(data []byte) (Quantizer, error) {
	const op = "quantize.unmarshal"
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, dberr.Errorf(dberr.KindInvalidArgument, op, "bad quantizer state: %w", err)
	}
	q, err := New(st.config())
	if err != nil {
		return nil, err
	}
	if !st.Trained {
		return q, nil
	}
	if err := q.(stateLoader).load(&st); err != nil {
		return nil, dberr.E(dberr.KindInvalidArgument, op, err)
	}
	return q, nil
}

type stateLoader interface {
	load(st *state) error
}

func signatureOf(st *state) uint64 {
	b, _ := json.Marshal(st)
	return xxhash.Sum64(b)
}

func checkDim(op string, want int, v []float32) error {
	if len(v) != want {
		return dberr.Dimension(op, want, len(v))
	}
	return nil
}

func untrained(op string) error {
	return dberr.Errorf(dberr.KindQuantizationUntrained, op, "train the quantizer before use")
}

func checkCode(op string, sig uint64, size int, c Code) error {
	if c.Sig != sig || len(c.Data) != size {
		return dberr.Errorf(dberr.KindIncompatibleCode, op,
			"code signature %x (len %d) does not match quantizer %x (len %d)", c.Sig, len(c.Data), sig, size)
	}
	return nil
}

func checkSamples(op string, samples [][]float32, dim, minSamples int) error {
	if len(samples) < minSamples {
		return dberr.Errorf(dberr.KindInsufficientData, op,
			"need at least %d training samples, got %d", minSamples, len(samples))
	}
	for _, s := range samples {
		if err := checkDim(op, dim, s); err != nil {
			return err
		}
	}
	return nil
}

// CompressionRatio returns raw float32 bytes per code byte.
func CompressionRatio(q Quantizer) float64 {
	if q.CodeSize() == 0 {
		return 0
	}
	return float64(4*q.Dim()) / float64(q.CodeSize())
}
