package quantize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/agentdb/internal/dberr"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func TestBinary_SignPreservedRoundTrip(t *testing.T) {
	samples := randomVectors(300, 20, 1)
	q, err := New(Config{Method: MethodBinary, Dim: 20})
	require.NoError(t, err)
	require.NoError(t, q.Train(samples))
	bq := q.(*binaryQuantizer)

	for _, v := range samples[:50] {
		code, err := q.Encode(v)
		require.NoError(t, err)
		assert.Len(t, code.Data, 3)
		dec, err := q.Decode(code)
		require.NoError(t, err)
		for i := range v {
			assert.Equal(t, v[i] > bq.thresholds[i], dec[i] > bq.thresholds[i], "dim %d", i)
		}
	}
	assert.InDelta(t, 80.0/3.0, CompressionRatio(q), 1e-9)
}

func TestBinary_FixedThresholdAcceptsAnySampleCount(t *testing.T) {
	q, err := New(Config{Method: MethodBinary, Dim: 4, Threshold: ThresholdFixed})
	require.NoError(t, err)
	require.NoError(t, q.Train(nil))
	code, err := q.Encode([]float32{1, -1, 0.5, -0.5})
	require.NoError(t, err)
	assert.Equal(t, []byte{0b0101}, code.Data)
}

func TestBinary_MedianNeedsSamples(t *testing.T) {
	q, err := New(Config{Method: MethodBinary, Dim: 4})
	require.NoError(t, err)
	err = q.Train(randomVectors(10, 4, 2))
	assert.ErrorIs(t, err, dberr.ErrInsufficientData)
	assert.False(t, q.Trained())
}

func TestHammingDistance(t *testing.T) {
	a := []byte{0xFF, 0x00, 0x0F, 0, 0, 0, 0, 0, 0x01}
	b := []byte{0x00, 0x00, 0xFF, 0, 0, 0, 0, 0, 0x00}
	assert.Equal(t, 8+4+1, HammingDistance(a, b))
	assert.Equal(t, 0, HammingDistance(a, a))
}

func TestBinary_AsymmetricMatchesReconstruction(t *testing.T) {
	samples := randomVectors(300, 16, 3)
	q, err := New(Config{Method: MethodBinary, Dim: 16})
	require.NoError(t, err)
	require.NoError(t, q.Train(samples))

	query := samples[0]
	a, _ := q.Encode(samples[1])
	b, _ := q.Encode(samples[2])
	da, err := q.AsymmetricDistance(query, a)
	require.NoError(t, err)
	db, err := q.AsymmetricDistance(query, b)
	require.NoError(t, err)

	decA, _ := q.Decode(a)
	decB, _ := q.Decode(b)
	// ordering by asymmetric score equals ordering by distance to the reconstruction
	assert.Equal(t, da < db, sqDist(query, decA) < sqDist(query, decB))
}

func TestScalar_RoundTripWithinOneStep(t *testing.T) {
	samples := randomVectors(300, 8, 4)
	q, err := New(Config{Method: MethodScalar, Dim: 8})
	require.NoError(t, err)
	require.NoError(t, q.Train(samples))
	sq := q.(*scalarQuantizer)

	for _, v := range samples {
		code, err := q.Encode(v)
		require.NoError(t, err)
		dec, err := q.Decode(code)
		require.NoError(t, err)
		for d := range v {
			assert.LessOrEqual(t, math.Abs(float64(dec[d]-v[d])), float64(sq.Step(d))+1e-5)
		}
	}
	assert.Equal(t, 4.0, CompressionRatio(q))
}

func TestProduct_TrainEncodeAndTable(t *testing.T) {
	samples := randomVectors(400, 16, 5)
	q, err := New(Config{Method: MethodProduct, Dim: 16, Subvectors: 4, Seed: 7})
	require.NoError(t, err)
	require.NoError(t, q.Train(samples))
	assert.Equal(t, 4, q.CodeSize())
	assert.Equal(t, 16.0, CompressionRatio(q))

	query := samples[10]
	code, err := q.Encode(query)
	require.NoError(t, err)
	dec, err := q.Decode(code)
	require.NoError(t, err)
	asym, err := q.AsymmetricDistance(query, code)
	require.NoError(t, err)
	assert.InDelta(t, sqDist(query, dec), asym, 1e-6)

	// the encoded vector's own code must be at least as close as a random other code
	other, _ := q.Encode(samples[11])
	otherDist, _ := q.AsymmetricDistance(query, other)
	assert.LessOrEqual(t, asym, otherDist)
}

func TestProduct_RejectsIndivisibleDimension(t *testing.T) {
	_, err := New(Config{Method: MethodProduct, Dim: 10, Subvectors: 4})
	assert.ErrorIs(t, err, dberr.ErrInvalidArgument)
}

func TestUntrainedOperationsFail(t *testing.T) {
	for _, m := range []Method{MethodBinary, MethodScalar, MethodProduct} {
		t.Run(m.String(), func(t *testing.T) {
			q, err := New(Config{Method: m, Dim: 8, Subvectors: 2})
			require.NoError(t, err)
			_, err = q.Encode(make([]float32, 8))
			assert.ErrorIs(t, err, dberr.ErrQuantizationUntrained)
			_, err = q.NewScorer(make([]float32, 8))
			assert.ErrorIs(t, err, dberr.ErrQuantizationUntrained)
			_, err = q.Decode(Code{Data: make([]byte, q.CodeSize())})
			assert.ErrorIs(t, err, dberr.ErrQuantizationUntrained)
		})
	}
}

func TestCodesFromDifferentQuantizersRejected(t *testing.T) {
	a, _ := New(Config{Method: MethodScalar, Dim: 4, MinTrainingSamples: 5})
	b, _ := New(Config{Method: MethodScalar, Dim: 4, MinTrainingSamples: 5})
	require.NoError(t, a.Train(randomVectors(20, 4, 8)))
	require.NoError(t, b.Train(randomVectors(20, 4, 9)))
	require.NotEqual(t, a.Signature(), b.Signature())

	ca, _ := a.Encode([]float32{0, 0, 0, 0})
	cb, _ := b.Encode([]float32{0, 0, 0, 0})
	_, err := a.Distance(ca, cb)
	assert.ErrorIs(t, err, dberr.ErrIncompatibleCode)
	_, err = a.AsymmetricDistance([]float32{0, 0, 0, 0}, cb)
	assert.ErrorIs(t, err, dberr.ErrIncompatibleCode)
	_, err = a.Distance(ca, ca)
	assert.NoError(t, err)
}

func TestMarshalStateRoundTrip(t *testing.T) {
	samples := randomVectors(300, 8, 10)
	for _, cfg := range []Config{
		{Method: MethodBinary, Dim: 8},
		{Method: MethodScalar, Dim: 8},
		{Method: MethodProduct, Dim: 8, Subvectors: 2, Seed: 3},
	} {
		t.Run(cfg.Method.String(), func(t *testing.T) {
			q, err := New(cfg)
			require.NoError(t, err)
			require.NoError(t, q.Train(samples))
			data, err := q.MarshalState()
			require.NoError(t, err)

			restored, err := Unmarshal(data)
			require.NoError(t, err)
			assert.True(t, restored.Trained())
			assert.Equal(t, q.Signature(), restored.Signature())

			code, err := q.Encode(samples[0])
			require.NoError(t, err)
			d1, err := q.AsymmetricDistance(samples[1], code)
			require.NoError(t, err)
			d2, err := restored.AsymmetricDistance(samples[1], code)
			require.NoError(t, err)
			assert.Equal(t, d1, d2)
		})
	}
}

func TestParse(t *testing.T) {
	m, err := ParseMethod("product")
	require.NoError(t, err)
	assert.Equal(t, MethodProduct, m)
	_, err = ParseMethod("lattice")
	assert.ErrorIs(t, err, dberr.ErrInvalidArgument)

	th, err := ParseThreshold("fixed")
	require.NoError(t, err)
	assert.Equal(t, ThresholdFixed, th)

	mode, err := ParseSearchMode("")
	require.NoError(t, err)
	assert.Equal(t, Asymmetric, mode)
}
