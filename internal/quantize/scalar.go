package quantize

import (
	"encoding/json"
	"fmt"
	"math"
)

// scalarQuantizer maps each dimension linearly onto 256 levels between its trained min and max.
type scalarQuantizer struct {
	cfg     Config
	mins    []float32
	steps   []float32
	trained bool
	sig     uint64
}

func newScalar(cfg Config) *scalarQuantizer {
	return &scalarQuantizer{cfg: cfg}
}

func (q *scalarQuantizer) Method() Method    { return MethodScalar }
func (q *scalarQuantizer) Dim() int          { return q.cfg.Dim }
func (q *scalarQuantizer) Trained() bool     { return q.trained }
func (q *scalarQuantizer) CodeSize() int     { return q.cfg.Dim }
func (q *scalarQuantizer) Signature() uint64 { return q.sig }

func (q *scalarQuantizer) Train(samples [][]float32) error {
	const op = "quantize.train"
	if err := checkSamples(op, samples, q.cfg.Dim, q.cfg.MinTrainingSamples); err != nil {
		return err
	}
	dim := q.cfg.Dim
	mins := make([]float32, dim)
	steps := make([]float32, dim)
	for d := 0; d < dim; d++ {
		lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
		for _, s := range samples {
			lo = min(lo, s[d])
			hi = max(hi, s[d])
		}
		mins[d] = lo
		steps[d] = (hi - lo) / 255
	}
	q.mins = mins
	q.steps = steps
	q.trained = true
	st := q.state()
	q.sig = signatureOf(&st)
	return nil
}

// Step returns the quantization step of dimension d; decode error for in-range values is at most Step/2.
func (q *scalarQuantizer) Step(d int) float32 {
	return q.steps[d]
}

func (q *scalarQuantizer) Encode(v []float32) (Code, error) {
	const op = "quantize.encode"
	if !q.trained {
		return Code{}, untrained(op)
	}
	if err := checkDim(op, q.cfg.Dim, v); err != nil {
		return Code{}, err
	}
	out := make([]byte, len(v))
	for i, x := range v {
		if q.steps[i] == 0 {
			continue
		}
		level := math.Round(float64((x - q.mins[i]) / q.steps[i]))
		out[i] = byte(max(0, min(255, level)))
	}
	return Code{Sig: q.sig, Data: out}, nil
}

func (q *scalarQuantizer) Decode(c Code) ([]float32, error) {
	const op = "quantize.decode"
	if !q.trained {
		return nil, untrained(op)
	}
	if err := checkCode(op, q.sig, q.CodeSize(), c); err != nil {
		return nil, err
	}
	return q.decode(c.Data), nil
}

func (q *scalarQuantizer) decode(data []byte) []float32 {
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = q.mins[i] + float32(b)*q.steps[i]
	}
	return out
}

// Distance is the squared L2 distance between the reconstructions of a and b.
func (q *scalarQuantizer) Distance(a, b Code) (float64, error) {
	const op = "quantize.distance"
	if !q.trained {
		return 0, untrained(op)
	}
	if err := checkCode(op, q.sig, q.CodeSize(), a); err != nil {
		return 0, err
	}
	if err := checkCode(op, q.sig, q.CodeSize(), b); err != nil {
		return 0, err
	}
	var sum float64
	for i := range a.Data {
		d := float64(int(a.Data[i])-int(b.Data[i])) * float64(q.steps[i])
		sum += d * d
	}
	return sum, nil
}

func (q *scalarQuantizer) AsymmetricDistance(query []float32, c Code) (float64, error) {
	s, err := q.NewScorer(query)
	if err != nil {
		return 0, err
	}
	return s.Distance(c)
}

func (q *scalarQuantizer) NewScorer(query []float32) (Scorer, error) {
	const op = "quantize.score"
	if !q.trained {
		return nil, untrained(op)
	}
	if err := checkDim(op, q.cfg.Dim, query); err != nil {
		return nil, err
	}
	return &scalarScorer{q: q, query: query}, nil
}

type scalarScorer struct {
	q     *scalarQuantizer
	query []float32
}

func (s *scalarScorer) Distance(c Code) (float64, error) {
	if err := checkCode("quantize.score", s.q.sig, s.q.CodeSize(), c); err != nil {
		return 0, err
	}
	var sum float64
	for i, b := range c.Data {
		d := float64(s.query[i] - (s.q.mins[i] + float32(b)*s.q.steps[i]))
		sum += d * d
	}
	return sum, nil
}

func (q *scalarQuantizer) state() state {
	st := baseState(q.cfg)
	st.Trained = q.trained
	st.Mins = q.mins
	st.Steps = q.steps
	return st
}

func (q *scalarQuantizer) MarshalState() ([]byte, error) {
	st := q.state()
	return json.Marshal(&st)
}

func (q *scalarQuantizer) load(st *state) error {
	if len(st.Mins) != q.cfg.Dim || len(st.Steps) != q.cfg.Dim {
		return fmt.Errorf("scalar state has %d mins and %d steps, want %d", len(st.Mins), len(st.Steps), q.cfg.Dim)
	}
	q.mins = st.Mins
	q.steps = st.Steps
	q.trained = true
	q.sig = signatureOf(st)
	return nil
}
