package quantize

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/bits"
	"slices"
)

// binaryQuantizer packs one bit per dimension: set when v[i] > threshold[i].
type binaryQuantizer struct {
	cfg        Config
	thresholds []float32
	// scales is the mean absolute deviation from the threshold; decode reconstructs t ± scale.
	scales  []float32
	trained bool
	sig     uint64
}

func newBinary(cfg Config) *binaryQuantizer {
	return &binaryQuantizer{cfg: cfg}
}

func (q *binaryQuantizer) Method() Method { return MethodBinary }
func (q *binaryQuantizer) Dim() int       { return q.cfg.Dim }
func (q *binaryQuantizer) Trained() bool  { return q.trained }
func (q *binaryQuantizer) CodeSize() int  { return (q.cfg.Dim + 7) / 8 }
func (q *binaryQuantizer) Signature() uint64 {
	return q.sig
}

// Train computes per-dimension cutoffs. Median cutoffs need MinTrainingSamples vectors; a fixed
// cutoff accepts any sample set and only uses samples to estimate decode scales.
func (q *binaryQuantizer) Train(samples [][]float32) error {
	const op = "quantize.train"
	dim := q.cfg.Dim
	minSamples := q.cfg.MinTrainingSamples
	if q.cfg.Threshold == ThresholdFixed {
		minSamples = 0
	}
	if err := checkSamples(op, samples, dim, minSamples); err != nil {
		return err
	}

	thresholds := make([]float32, dim)
	column := make([]float32, len(samples))
	for d := 0; d < dim; d++ {
		if q.cfg.Threshold == ThresholdFixed {
			thresholds[d] = q.cfg.FixedThreshold
			continue
		}
		for i, s := range samples {
			column[i] = s[d]
		}
		thresholds[d] = median(column)
	}

	scales := make([]float32, dim)
	for d := 0; d < dim; d++ {
		var sum float64
		for _, s := range samples {
			sum += math.Abs(float64(s[d] - thresholds[d]))
		}
		scales[d] = 1
		if len(samples) > 0 && sum > 0 {
			scales[d] = float32(sum / float64(len(samples)))
		}
	}

	q.thresholds = thresholds
	q.scales = scales
	q.trained = true
	st := q.state()
	q.sig = signatureOf(&st)
	return nil
}

func median(xs []float32) float32 {
	if len(xs) == 0 {
		return 0
	}
	s := slices.Clone(xs)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

func (q *binaryQuantizer) Encode(v []float32) (Code, error) {
	const op = "quantize.encode"
	if !q.trained {
		return Code{}, untrained(op)
	}
	if err := checkDim(op, q.cfg.Dim, v); err != nil {
		return Code{}, err
	}
	out := make([]byte, q.CodeSize())
	for i, x := range v {
		if x > q.thresholds[i] {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return Code{Sig: q.sig, Data: out}, nil
}

func (q *binaryQuantizer) Decode(c Code) ([]float32, error) {
	const op = "quantize.decode"
	if !q.trained {
		return nil, untrained(op)
	}
	if err := checkCode(op, q.sig, q.CodeSize(), c); err != nil {
		return nil, err
	}
	out := make([]float32, q.cfg.Dim)
	for i := range out {
		if c.Data[i/8]&(1<<(i%8)) != 0 {
			out[i] = q.thresholds[i] + q.scales[i]
		} else {
			out[i] = q.thresholds[i] - q.scales[i]
		}
	}
	return out, nil
}

// Distance is the Hamming distance between two codes.
func (q *binaryQuantizer) Distance(a, b Code) (float64, error) {
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
	return float64(HammingDistance(a.Data, b.Data)), nil
}

// HammingDistance counts differing bits, eight bytes at a time.
func HammingDistance(a, b []byte) int {
	n := min(len(a), len(b))
	dist := 0
	i := 0
	for ; i+8 <= n; i += 8 {
		dist += bits.OnesCount64(binary.LittleEndian.Uint64(a[i:]) ^ binary.LittleEndian.Uint64(b[i:]))
	}
	for ; i < n; i++ {
		dist += bits.OnesCount8(a[i] ^ b[i])
	}
	return dist
}

func (q *binaryQuantizer) AsymmetricDistance(query []float32, c Code) (float64, error) {
	s, err := q.NewScorer(query)
	if err != nil {
		return 0, err
	}
	return s.Distance(c)
}

// NewScorer prepares w[i] = scale[i]·(q[i]−t[i]). The distance of a code with signs s[i] is
// −Σ w[i]·s[i], which ranks codes like the squared L2 distance to their reconstruction.
func (q *binaryQuantizer) NewScorer(query []float32) (Scorer, error) {
	const op = "quantize.score"
	if !q.trained {
		return nil, untrained(op)
	}
	if err := checkDim(op, q.cfg.Dim, query); err != nil {
		return nil, err
	}
	w := make([]float64, len(query))
	var total float64
	for i, x := range query {
		w[i] = float64(q.scales[i]) * float64(x-q.thresholds[i])
		total += w[i]
	}
	return &binaryScorer{q: q, w: w, total: total}, nil
}

type binaryScorer struct {
	q     *binaryQuantizer
	w     []float64
	total float64
}

func (s *binaryScorer) Distance(c Code) (float64, error) {
	if err := checkCode("quantize.score", s.q.sig, s.q.CodeSize(), c); err != nil {
		return 0, err
	}
	// −(Σset w − Σclear w) = total − 2·Σset w
	var set float64
	for i, w := range s.w {
		if c.Data[i/8]&(1<<(i%8)) != 0 {
			set += w
		}
	}
	return s.total - 2*set, nil
}

func (q *binaryQuantizer) state() state {
	st := baseState(q.cfg)
	st.Trained = q.trained
	st.Thresholds = q.thresholds
	st.Scales = q.scales
	return st
}

func (q *binaryQuantizer) MarshalState() ([]byte, error) {
	st := q.state()
	return json.Marshal(&st)
}

func (q *binaryQuantizer) load(st *state) error {
	if len(st.Thresholds) != q.cfg.Dim || len(st.Scales) != q.cfg.Dim {
		return fmt.Errorf("binary state has %d thresholds and %d scales, want %d",
			len(st.Thresholds), len(st.Scales), q.cfg.Dim)
	}
	q.thresholds = st.Thresholds
	q.scales = st.Scales
	q.trained = true
	q.sig = signatureOf(st)
	return nil
}
