package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hyperjump/agentdb/internal/dberr"
	"github.com/hyperjump/agentdb/pkg/utils"
)

var hnswMagic = [8]byte{'A', 'G', 'H', 'N', 'S', 'W', '0', '1'}

type hnswHeader struct {
	Magic          [8]byte
	Dimensions     uint32
	M              uint32
	EfConstruction uint32
	EfSearch       uint32
	Metric         uint8
	MaxLevel       uint32
	Entry          uint32
	Nodes          uint32
	Live           uint32
}

// Save persists the graph to path. Format: fixed header, then per node: id, deleted flag,
// level, vector, and for every layer a link count followed by uint32 slots.
func (h *HNSWIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := h.writeTo(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync index file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (h *HNSWIndex) writeTo(f io.Writer) error {
	w := bufio.NewWriter(f)
	hdr := hnswHeader{
		Magic:          hnswMagic,
		Dimensions:     uint32(h.cfg.Dimensions),
		M:              uint32(h.cfg.M),
		EfConstruction: uint32(h.cfg.EfConstruction),
		EfSearch:       uint32(h.cfg.EfSearch),
		Metric:         uint8(h.cfg.Metric),
		MaxLevel:       uint32(h.maxLevel),
		Entry:          h.entry,
		Nodes:          uint32(len(h.nodes)),
		Live:           uint32(h.live),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := range h.nodes {
		n := &h.nodes[i]
		if err := writeString(w, n.id); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
		var deleted uint8
		if n.deleted {
			deleted = 1
		}
		if err := binary.Write(w, binary.LittleEndian, deleted); err != nil {
			return fmt.Errorf("write flag: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(n.level)); err != nil {
			return fmt.Errorf("write level: %w", err)
		}
		if _, err := w.Write(utils.Float32sToBytes(n.vec)); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
		for _, links := range n.links {
			if err := binary.Write(w, binary.LittleEndian, uint32(len(links))); err != nil {
				return fmt.Errorf("write links: %w", err)
			}
			if err := binary.Write(w, binary.LittleEndian, links); err != nil {
				return fmt.Errorf("write links: %w", err)
			}
		}
	}
	return w.Flush()
}

// Load replaces the graph with the one stored at path. A missing file leaves the index unchanged.
// A file that cannot be parsed or violates graph invariants fails with ErrCorruptIndex; the
// caller is expected to rebuild from the store.
func (h *HNSWIndex) Load(path string) error {
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

	var hdr hnswHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return corrupt("read header", err)
	}
	if hdr.Magic != hnswMagic {
		return dberr.Errorf(dberr.KindCorruptIndex, "index.load", "bad magic %q", hdr.Magic[:])
	}
	if int(hdr.Dimensions) != h.cfg.Dimensions {
		return dberr.Dimension("index.load", h.cfg.Dimensions, int(hdr.Dimensions))
	}
	if info, err := file.Stat(); err == nil {
		minNode := int64(4 + 1 + 4 + 4*h.cfg.Dimensions + 4)
		if hdr.Live > hdr.Nodes || int64(hdr.Nodes)*minNode > info.Size() {
			return dberr.Errorf(dberr.KindCorruptIndex, "index.load", "header claims %d nodes (%d live) in %d bytes",
				hdr.Nodes, hdr.Live, info.Size())
		}
	}
	if Metric(hdr.Metric) != h.cfg.Metric || int(hdr.M) != h.cfg.M {
		return dberr.Errorf(dberr.KindCorruptIndex, "index.load",
			"file built with metric %s M=%d, index configured with %s M=%d",
			Metric(hdr.Metric), hdr.M, h.cfg.Metric, h.cfg.M)
	}

	nodes := make([]hnswNode, hdr.Nodes)
	byID := make(map[string]uint32, hdr.Live)
	dups := make(map[uint64][]uint32, hdr.Live)
	buf := make([]byte, h.cfg.Dimensions*4)
	for i := range nodes {
		n := &nodes[i]
		if n.id, err = readString(r); err != nil {
			return corrupt("read id", err)
		}
		var deleted uint8
		var level uint32
		if err := binary.Read(r, binary.LittleEndian, &deleted); err != nil {
			return corrupt("read flag", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return corrupt("read level", err)
		}
		if level > 64 {
			return dberr.Errorf(dberr.KindCorruptIndex, "index.load", "node %d has level %d", i, level)
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return corrupt("read vector", err)
		}
		n.vec, _ = utils.BytesToFloat32s(buf)
		n.level = int(level)
		n.deleted = deleted == 1
		n.links = make([][]uint32, level+1)
		for l := range n.links {
			var cnt uint32
			if err := binary.Read(r, binary.LittleEndian, &cnt); err != nil {
				return corrupt("read links", err)
			}
			if cnt > uint32(2*h.cfg.M) {
				return dberr.Errorf(dberr.KindCorruptIndex, "index.load", "node %d layer %d has %d links", i, l, cnt)
			}
			n.links[l] = make([]uint32, cnt)
			if err := binary.Read(r, binary.LittleEndian, n.links[l]); err != nil {
				return corrupt("read links", err)
			}
		}
		if !n.deleted {
			byID[n.id] = uint32(i)
			hash := vectorHash(n.vec)
			dups[hash] = append(dups[hash], uint32(i))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	prev := *h.snapshot()
	h.nodes, h.byID, h.dups = nodes, byID, dups
	h.entry, h.maxLevel, h.live = hdr.Entry, int(hdr.MaxLevel), int(hdr.Live)
	if err := h.validate(); err != nil {
		h.restore(&prev)
		return err
	}
	h.cfg.EfConstruction = int(hdr.EfConstruction)
	return nil
}

type hnswState struct {
	nodes    []hnswNode
	byID     map[string]uint32
	dups     map[uint64][]uint32
	entry    uint32
	maxLevel int
	live     int
}

func (h *HNSWIndex) snapshot() *hnswState {
	return &hnswState{nodes: h.nodes, byID: h.byID, dups: h.dups, entry: h.entry, maxLevel: h.maxLevel, live: h.live}
}

func (h *HNSWIndex) restore(s *hnswState) {
	h.nodes, h.byID, h.dups = s.nodes, s.byID, s.dups
	h.entry, h.maxLevel, h.live = s.entry, s.maxLevel, s.live
}
