package quantize

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

const kmeansIterations = 20

// productQuantizer splits a vector into Subvectors chunks and stores the nearest of up to 256
// centroids per chunk, one byte each.
type productQuantizer struct {
	cfg    Config
	subDim int
	// centroids[m] holds k centroids of subDim floats, flattened.
	centroids [][]float32
	k         int
	trained   bool
	sig       uint64
}

func newProduct(cfg Config) *productQuantizer {
	return &productQuantizer{cfg: cfg, subDim: cfg.Dim / cfg.Subvectors}
}

func (q *productQuantizer) Method() Method    { return MethodProduct }
func (q *productQuantizer) Dim() int          { return q.cfg.Dim }
func (q *productQuantizer) Trained() bool     { return q.trained }
func (q *productQuantizer) CodeSize() int     { return q.cfg.Subvectors }
func (q *productQuantizer) Signature() uint64 { return q.sig }

// Train runs seeded k-means independently in every subspace.
func (q *productQuantizer) Train(samples [][]float32) error {
	const op = "quantize.train"
	if err := checkSamples(op, samples, q.cfg.Dim, q.cfg.MinTrainingSamples); err != nil {
		return err
	}
	k := min(productClusters, len(samples))
	rng := rand.New(rand.NewSource(q.cfg.Seed))
	centroids := make([][]float32, q.cfg.Subvectors)
	sub := make([][]float32, len(samples))
	for m := range centroids {
		off := m * q.subDim
		for i, s := range samples {
			sub[i] = s[off : off+q.subDim]
		}
		centroids[m] = kmeans(sub, k, q.subDim, rng)
	}
	q.centroids = centroids
	q.k = k
	q.trained = true
	st := q.state()
	q.sig = signatureOf(&st)
	return nil
}

// kmeans returns k centroids flattened into one slice. Empty clusters are reseeded from the
// point farthest from its centroid.
func kmeans(points [][]float32, k, dim int, rng *rand.Rand) []float32 {
	c := make([]float32, k*dim)
	for i, p := range rng.Perm(len(points))[:k] {
		copy(c[i*dim:], points[p])
	}
	assign := make([]int, len(points))
	counts := make([]int, k)
	sums := make([]float64, k*dim)
	for iter := 0; iter < kmeansIterations; iter++ {
		changed := false
		far, farDist := 0, -1.0
		for i, p := range points {
			best, bestDist := nearestCentroid(c, k, dim, p)
			if iter == 0 || best != assign[i] {
				changed = true
			}
			assign[i] = best
			if bestDist > farDist {
				far, farDist = i, bestDist
			}
		}
		if !changed {
			break
		}
		clear(counts)
		clear(sums)
		for i, p := range points {
			a := assign[i]
			counts[a]++
			for d, x := range p {
				sums[a*dim+d] += float64(x)
			}
		}
		for j := 0; j < k; j++ {
			if counts[j] == 0 {
				copy(c[j*dim:(j+1)*dim], points[far])
				continue
			}
			for d := 0; d < dim; d++ {
				c[j*dim+d] = float32(sums[j*dim+d] / float64(counts[j]))
			}
		}
	}
	return c
}

func nearestCentroid(c []float32, k, dim int, p []float32) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for j := 0; j < k; j++ {
		d := sqDist(p, c[j*dim:(j+1)*dim])
		if d < bestDist {
			best, bestDist = j, d
		}
	}
	return best, bestDist
}

func sqDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return sum
}

func (q *productQuantizer) Encode(v []float32) (Code, error) {
	const op = "quantize.encode"
	if !q.trained {
		return Code{}, untrained(op)
	}
	if err := checkDim(op, q.cfg.Dim, v); err != nil {
		return Code{}, err
	}
	out := make([]byte, q.cfg.Subvectors)
	for m := range out {
		off := m * q.subDim
		best, _ := nearestCentroid(q.centroids[m], q.k, q.subDim, v[off:off+q.subDim])
		out[m] = byte(best)
	}
	return Code{Sig: q.sig, Data: out}, nil
}

func (q *productQuantizer) Decode(c Code) ([]float32, error) {
	const op = "quantize.decode"
	if !q.trained {
		return nil, untrained(op)
	}
	if err := checkCode(op, q.sig, q.CodeSize(), c); err != nil {
		return nil, err
	}
	out := make([]float32, 0, q.cfg.Dim)
	for m, b := range c.Data {
		j := int(b)
		out = append(out, q.centroids[m][j*q.subDim:(j+1)*q.subDim]...)
	}
	return out, nil
}

// Distance is the squared L2 distance between the centroids selected by a and b.
func (q *productQuantizer) Distance(a, b Code) (float64, error) {
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
	for m := range a.Data {
		ja, jb := int(a.Data[m]), int(b.Data[m])
		sum += sqDist(q.centroids[m][ja*q.subDim:(ja+1)*q.subDim], q.centroids[m][jb*q.subDim:(jb+1)*q.subDim])
	}
	return sum, nil
}

func (q *productQuantizer) AsymmetricDistance(query []float32, c Code) (float64, error) {
	s, err := q.NewScorer(query)
	if err != nil {
		return 0, err
	}
	return s.Distance(c)
}

// NewScorer precomputes the query-to-centroid distance table, so each code costs Subvectors lookups.
func (q *productQuantizer) NewScorer(query []float32) (Scorer, error) {
	const op = "quantize.score"
	if !q.trained {
		return nil, untrained(op)
	}
	if err := checkDim(op, q.cfg.Dim, query); err != nil {
		return nil, err
	}
	table := make([]float64, q.cfg.Subvectors*q.k)
	for m := 0; m < q.cfg.Subvectors; m++ {
		sub := query[m*q.subDim : (m+1)*q.subDim]
		for j := 0; j < q.k; j++ {
			table[m*q.k+j] = sqDist(sub, q.centroids[m][j*q.subDim:(j+1)*q.subDim])
		}
	}
	return &productScorer{q: q, table: table}, nil
}

type productScorer struct {
	q     *productQuantizer
	table []float64
}

func (s *productScorer) Distance(c Code) (float64, error) {
	if err := checkCode("quantize.score", s.q.sig, s.q.CodeSize(), c); err != nil {
		return 0, err
	}
	var sum float64
	for m, b := range c.Data {
		sum += s.table[m*s.q.k+int(b)]
	}
	return sum, nil
}

func (q *productQuantizer) state() state {
	st := baseState(q.cfg)
	st.Trained = q.trained
	st.Centroids = q.centroids
	return st
}

func (q *productQuantizer) MarshalState() ([]byte, error) {
	st := q.state()
	return json.Marshal(&st)
}

func (q *productQuantizer) load(st *state) error {
	if len(st.Centroids) != q.cfg.Subvectors {
		return fmt.Errorf("product state has %d codebooks, want %d", len(st.Centroids), q.cfg.Subvectors)
	}
	k := len(st.Centroids[0]) / q.subDim
	if k == 0 || k > productClusters {
		return fmt.Errorf("product state has %d centroids per codebook", k)
	}
	for _, cb := range st.Centroids {
		if len(cb) != k*q.subDim {
			return fmt.Errorf("product codebooks have inconsistent sizes")
		}
	}
	q.centroids = st.Centroids
	q.k = k
	q.trained = true
	q.sig = signatureOf(st)
	return nil
}
