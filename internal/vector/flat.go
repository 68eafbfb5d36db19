package vector

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/pkg/utils"
)

// FlatIndex is an exact brute-force index. It is the ground truth for recall measurements and
// the right choice for small stores.
type FlatIndex struct {
	dimensions int
	metric     Metric
	ids        []string
	vectors    [][]float32
	slot       map[string]int
	mu         sync.RWMutex
}

// NewFlatIndex creates an exact index with the given dimension and metric.
func NewFlatIndex(dimensions int, metric Metric) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &FlatIndex{
		dimensions: dimensions,
		metric:     metric,
		slot:       make(map[string]int),
	}, nil
}

// Type returns the index type identifier.
func (f *FlatIndex) Type() string {
	return string(IndexTypeFlat)
}

// Add appends vectors with the given IDs. An id that is already present fails with ErrDuplicateID.
func (f *FlatIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return dberr.Errorf(dberr.KindInvalidArgument, "index.add", "ids and vectors length mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range ids {
		if len(vectors[i]) != f.dimensions {
			return dberr.Dimension("index.add", f.dimensions, len(vectors[i]))
		}
		if _, ok := f.slot[id]; ok {
			return dberr.Errorf(dberr.KindDuplicateID, "index.add", "vector %s already indexed", id)
		}
		vec := make([]float32, f.dimensions)
		copy(vec, vectors[i])
		f.slot[id] = len(f.ids)
		f.ids = append(f.ids, id)
		f.vectors = append(f.vectors, vec)
	}
	return nil
}

// Search returns the k closest vectors.
func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	return f.Exact(ctx, query, k, nil)
}

// Exact returns the k closest vectors accepted by accept.
func (f *FlatIndex) Exact(ctx context.Context, query []float32, k int, accept func(string) bool) ([]*VectorResult, error) {
	if len(query) != f.dimensions {
		return nil, dberr.Dimension("index.search", f.dimensions, len(query))
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return exactScan(f.metric, query, k, f.ids, f.vectors, accept), nil
}

func exactScan(metric Metric, query []float32, k int, ids []string, vectors [][]float32, accept func(string) bool) []*VectorResult {
	if k <= 0 || len(ids) == 0 {
		return nil
	}
	scored := make([]*VectorResult, 0, len(ids))
	for i, vec := range vectors {
		if vec == nil || (accept != nil && !accept(ids[i])) {
			continue
		}
		scored = append(scored, &VectorResult{ID: ids[i], Distance: metric.Distance(query, vec)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Distance < scored[j].Distance })
	if k > len(scored) {
		k = len(scored)
	}
	return scored[:k]
}

// Remove deletes vectors by ID, swapping the last entry into the freed slot.
func (f *FlatIndex) Remove(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		i, ok := f.slot[id]
		if !ok {
			continue
		}
		last := len(f.ids) - 1
		f.ids[i], f.vectors[i] = f.ids[last], f.vectors[last]
		f.slot[f.ids[i]] = i
		f.ids, f.vectors = f.ids[:last], f.vectors[:last]
		delete(f.slot, id)
	}
	return nil
}

// Vector returns the stored copy of id's vector.
func (f *FlatIndex) Vector(id string) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i, ok := f.slot[id]
	if !ok {
		return nil, false
	}
	return f.vectors[i], true
}

// Save persists the index to path. Directory is created if needed. Format: dimension (4), n (4),
// then per vector: idLen (4), id bytes, vector (dimension*4 bytes).
func (f *FlatIndex) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer file.Close()
	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, uint32(f.dimensions)); err != nil {
		return fmt.Errorf("write dimensions: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(f.ids))); err != nil {
		return fmt.Errorf("write count: %w", err)
	}
	for i, id := range f.ids {
		if err := writeString(w, id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		if _, err := w.Write(utils.Float32sToBytes(f.vectors[i])); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	return w.Flush()
}

// Load reads the index from path and replaces the in-memory contents. Dimensions must match.
// If the file does not exist, no error is returned and the index is unchanged.
func (f *FlatIndex) Load(path string) error {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()
	r := bufio.NewReader(file)
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return corrupt("read dimensions", err)
	}
	if int(dim) != f.dimensions {
		return dberr.Dimension("index.load", f.dimensions, int(dim))
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return corrupt("read count", err)
	}
	ids := make([]string, 0, n)
	vectors := make([][]float32, 0, n)
	slot := make(map[string]int, n)
	buf := make([]byte, f.dimensions*4)
	for i := uint32(0); i < n; i++ {
		id, err := readString(r)
		if err != nil {
			return corrupt("read id", err)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return corrupt("read vector", err)
		}
		vec, _ := utils.BytesToFloat32s(buf)
		slot[id] = len(ids)
		ids = append(ids, id)
		vectors = append(vectors, vec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids, f.vectors, f.slot = ids, vectors, slot
	return nil
}

// Size returns the number of vectors in the index.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

// Close is a no-op for FlatIndex.
func (f *FlatIndex) Close() error {
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<20 {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func corrupt(what string, err error) error {
	return dberr.Errorf(dberr.KindCorruptIndex, "index.load", "%s: %w", what, err)
}
