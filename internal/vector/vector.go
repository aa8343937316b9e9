// Package vector maintains the ANN (HNSW) index for one named vector
// collection: insertion with dimension validation, k-nearest search with
// optional prefiltering, and on-disk persistence with optional int8 scalar
// quantization.
package vector

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kvdb/engine/internal/errors"
)

// Metric identifies the distance function a collection was built with.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
	MetricDot    Metric = "dot"
)

// Quantization selects the on-disk vector encoding.
type Quantization string

const (
	QuantizationNone Quantization = "none"
	QuantizationInt8 Quantization = "int8"
)

// autoQuantizeThreshold is the element count above which SaveIndex switches
// from full-precision to int8 scalar quantization on disk, when the
// collection's Quantization is left at "auto".
const autoQuantizeThreshold = 50_000

// Config configures one vector collection.
type Config struct {
	Dimension      int
	Metric         Metric
	M              int
	EfConstruction int
	EfSearch       int
	// Quantization selects the on-disk encoding. "" or "auto" defers the
	// choice to element count at save time (see autoQuantizeThreshold).
	Quantization Quantization
}

func (c Config) withDefaults() Config {
	if c.M == 0 {
		c.M = 16
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = 128
	}
	if c.EfSearch == 0 {
		c.EfSearch = 64
	}
	if c.Metric == "" {
		c.Metric = MetricCosine
	}
	return c
}

// Index is one HNSW-backed vector collection, mapping primary keys to
// float32 vectors via an intermediate uint64 label space.
type Index struct {
	mu      sync.RWMutex
	cfg     Config
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64   // pk -> label
	keyMap  map[uint64]string   // label -> pk
	vectors map[uint64][]float32 // label -> normalized vector, kept for quantized snapshots
	next    uint64
}

// NewIndex constructs an empty collection.
func NewIndex(cfg Config) *Index {
	cfg = cfg.withDefaults()
	g := hnsw.NewGraph[uint64]()
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 1 / math.Log(float64(max(cfg.M, 2)))
	switch cfg.Metric {
	case MetricL2:
		g.Distance = hnsw.EuclideanDistance
	case MetricDot, MetricCosine:
		g.Distance = hnsw.CosineDistance
	default:
		g.Distance = hnsw.CosineDistance
	}
	return &Index{
		cfg:     cfg,
		graph:   g,
		idMap:   make(map[string]uint64),
		keyMap:  make(map[uint64]string),
		vectors: make(map[uint64][]float32),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// AddEntity inserts or replaces the vector for pk. Replacing an existing pk
// orphans its prior graph node (coder/hnsw has no safe in-place delete for
// interior nodes) rather than removing it, and remaps pk to a fresh label.
func (idx *Index) AddEntity(pk string, v []float32) error {
	if len(v) != idx.cfg.Dimension {
		return errors.New(errors.InvalidArgument, "vector.AddEntity", fmt.Sprintf("expected dimension %d, got %d", idx.cfg.Dimension, len(v))).
			WithDetail("pk", pk)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, exists := idx.idMap[pk]; exists {
		delete(idx.keyMap, old)
		delete(idx.idMap, pk)
		delete(idx.vectors, old)
	}

	vec := make([]float32, len(v))
	copy(vec, v)
	if idx.cfg.Metric == MetricCosine {
		normalize(vec)
	}

	label := idx.next
	idx.next++
	idx.graph.Add(hnsw.MakeNode(label, vec))
	idx.idMap[pk] = label
	idx.keyMap[label] = pk
	idx.vectors[label] = vec
	return nil
}

// Remove deletes pk's mapping. The underlying graph node is orphaned, not
// removed, matching AddEntity's lazy-deletion strategy.
func (idx *Index) Remove(pk string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if label, ok := idx.idMap[pk]; ok {
		delete(idx.keyMap, label)
		delete(idx.idMap, pk)
		delete(idx.vectors, label)
	}
}

// Count returns the number of live (non-orphaned) vectors.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.idMap)
}

// Hit is one scored search result.
type Hit struct {
	PK       string
	Distance float32
}

// defaultOverfetchFactor is how many extra candidates SearchKnn requests
// from the underlying graph per prefiltered-out candidate, when the caller
// does not specify one.
const defaultOverfetchFactor = 4

// SearchKnn returns up to k nearest neighbors of query. If prefilter is
// non-nil, only primary keys it accepts are eligible; the search overfetches
// by overfetchFactor (or defaultOverfetchFactor if <= 0) candidates from the
// underlying graph before filtering, to preserve recall against a selective
// predicate rather than filtering a k-sized result down to fewer than k
// items.
func (idx *Index) SearchKnn(query []float32, k int, efSearch int, prefilter func(pk string) bool, overfetchFactor int) ([]Hit, error) {
	if len(query) != idx.cfg.Dimension {
		return nil, errors.New(errors.InvalidArgument, "vector.SearchKnn", fmt.Sprintf("expected dimension %d, got %d", idx.cfg.Dimension, len(query)))
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.graph.Len() == 0 || k <= 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if idx.cfg.Metric == MetricCosine {
		normalize(q)
	}

	if efSearch > 0 {
		idx.graph.EfSearch = efSearch
	}

	fetchK := k
	if prefilter != nil {
		factor := overfetchFactor
		if factor <= 0 {
			factor = defaultOverfetchFactor
		}
		fetchK = k * factor
	}
	if fetchK > idx.graph.Len() {
		fetchK = idx.graph.Len()
	}

	nodes := idx.graph.Search(q, fetchK)

	hits := make([]Hit, 0, k)
	for _, n := range nodes {
		pk, ok := idx.keyMap[n.Key]
		if !ok {
			continue
		}
		if prefilter != nil && !prefilter(pk) {
			continue
		}
		hits = append(hits, Hit{PK: pk, Distance: idx.graph.Distance(q, n.Value)})
		if len(hits) == k {
			break
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= inv
	}
}

// indexFileName, mappingFileName, metaFileName are the three files a saved
// collection directory contains.
const (
	indexFileName   = "index.bin"
	mappingFileName = "mapping.txt"
	metaFileName    = "meta.txt"
)

// SaveIndex persists the label->pk mapping and metadata under dir (created
// if absent), plus exactly one vector snapshot: the full-precision graph
// (index.bin) normally, or the int8-quantized snapshot (vectors.i8) in
// place of it once quantization is in effect — never both, so quantizing
// actually shrinks the on-disk footprint instead of adding to it.
// Quantization mode "auto" (the zero value) picks int8 once the collection
// exceeds autoQuantizeThreshold elements; otherwise honors the configured
// mode explicitly.
func (idx *Index) SaveIndex(dir string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(errors.Internal, "vector.SaveIndex", err)
	}

	quant := idx.cfg.Quantization
	if quant == "" || quant == "auto" {
		if len(idx.idMap) > autoQuantizeThreshold {
			quant = QuantizationInt8
		} else {
			quant = QuantizationNone
		}
	}

	if quant == QuantizationInt8 {
		if err := idx.saveQuantized(filepath.Join(dir, quantizedFileName)); err != nil {
			return err
		}
	} else if err := idx.saveGraph(filepath.Join(dir, indexFileName)); err != nil {
		return err
	}

	if err := idx.saveMapping(filepath.Join(dir, mappingFileName)); err != nil {
		return err
	}
	return idx.saveMeta(filepath.Join(dir, metaFileName), quant)
}

// saveGraph exports the full-precision HNSW graph to indexPath.
func (idx *Index) saveGraph(indexPath string) error {
	tmp := indexPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.Internal, "vector.SaveIndex", err)
	}
	if err := idx.graph.Export(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(errors.Internal, "vector.SaveIndex", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(errors.Internal, "vector.SaveIndex", err)
	}
	return os.Rename(tmp, indexPath)
}

// saveMapping writes one primary key per line, where line i (0-indexed)
// holds the primary key for label i. Orphaned labels (no live pk) produce
// an empty line so later label numbering still lines up on load.
func (idx *Index) saveMapping(path string) error {
	var b strings.Builder
	for label := uint64(0); label < idx.next; label++ {
		if pk, ok := idx.keyMap[label]; ok {
			b.WriteString(pk)
		}
		b.WriteByte('\n')
	}
	return writeAtomic(path, []byte(b.String()))
}

func (idx *Index) saveMeta(path string, quant Quantization) error {
	var b strings.Builder
	fmt.Fprintf(&b, "dim=%d\n", idx.cfg.Dimension)
	fmt.Fprintf(&b, "metric=%s\n", idx.cfg.Metric)
	fmt.Fprintf(&b, "m=%d\n", idx.cfg.M)
	fmt.Fprintf(&b, "ef_construction=%d\n", idx.cfg.EfConstruction)
	fmt.Fprintf(&b, "ef_search=%d\n", idx.cfg.EfSearch)
	fmt.Fprintf(&b, "count=%d\n", len(idx.idMap))
	fmt.Fprintf(&b, "quantization=%s\n", quant)
	return writeAtomic(path, []byte(b.String()))
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.Internal, "vector.writeAtomic", err)
	}
	return os.Rename(tmp, path)
}

// LoadIndex restores a collection previously written by SaveIndex. Returns
// a Corrupt error if meta.txt is missing or malformed; the caller may then
// fall back to RebuildFromStorage. A collection saved with int8
// quantization has no index.bin on disk, so it is restored by dequantizing
// vectors.i8 and re-inserting every vector rather than importing a graph.
func LoadIndex(dir string) (*Index, error) {
	meta, err := readMeta(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, err
	}

	if meta.quantization == QuantizationInt8 {
		return loadQuantizedIndex(dir, meta)
	}

	idx := NewIndex(meta.cfg)

	f, err := os.Open(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, errors.Wrap(errors.Corrupt, "vector.LoadIndex", err)
	}
	defer f.Close()
	if err := idx.graph.Import(bufio.NewReader(f)); err != nil {
		return nil, errors.Wrap(errors.Corrupt, "vector.LoadIndex", err)
	}

	mapping, err := readMapping(filepath.Join(dir, mappingFileName))
	if err != nil {
		return nil, err
	}
	for label, pk := range mapping {
		if pk == "" {
			continue
		}
		idx.idMap[pk] = uint64(label)
		idx.keyMap[uint64(label)] = pk
	}
	idx.next = uint64(len(mapping))
	return idx, nil
}

// loadQuantizedIndex rebuilds the in-memory graph from a vectors.i8
// snapshot, mapping each decoded label back to its primary key via
// mapping.txt and re-inserting through AddEntity the same way
// RebuildFromStorage does.
func loadQuantizedIndex(dir string, meta metaFile) (*Index, error) {
	mapping, err := readMapping(filepath.Join(dir, mappingFileName))
	if err != nil {
		return nil, err
	}
	byLabel := make(map[uint64]string, len(mapping))
	for label, pk := range mapping {
		if pk != "" {
			byLabel[uint64(label)] = pk
		}
	}

	entries, err := ReadQuantizedSnapshot(filepath.Join(dir, quantizedFileName), meta.cfg.Dimension)
	if err != nil {
		return nil, err
	}

	idx := NewIndex(meta.cfg)
	for _, e := range entries {
		pk, ok := byLabel[e.Label]
		if !ok {
			continue
		}
		if err := idx.AddEntity(pk, e.Vector); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

type metaFile struct {
	cfg         Config
	count       int
	quantization Quantization
}

func readMeta(path string) (metaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metaFile{}, errors.Wrap(errors.Corrupt, "vector.readMeta", err)
	}
	values := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return metaFile{}, errors.New(errors.Corrupt, "vector.readMeta", "malformed meta line: "+line)
		}
		values[parts[0]] = parts[1]
	}

	var m metaFile
	m.cfg.Dimension, err = strconv.Atoi(values["dim"])
	if err != nil {
		return metaFile{}, errors.Wrap(errors.Corrupt, "vector.readMeta", err)
	}
	m.cfg.Metric = Metric(values["metric"])
	m.cfg.M, _ = strconv.Atoi(values["m"])
	m.cfg.EfConstruction, _ = strconv.Atoi(values["ef_construction"])
	m.cfg.EfSearch, _ = strconv.Atoi(values["ef_search"])
	m.count, _ = strconv.Atoi(values["count"])
	m.quantization = Quantization(values["quantization"])
	return m, nil
}

func readMapping(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.Corrupt, "vector.readMapping", err)
	}
	lines := strings.Split(string(data), "\n")
	// A trailing newline produces one extra empty element; drop it.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// RebuildFromStorage reconstructs a fresh in-memory index by re-inserting
// every (pk, vector) pair the caller supplies, used when on-disk metadata
// is missing or fails to load.
func RebuildFromStorage(cfg Config, entries func(yield func(pk string, v []float32) bool)) (*Index, error) {
	idx := NewIndex(cfg)
	var addErr error
	entries(func(pk string, v []float32) bool {
		if err := idx.AddEntity(pk, v); err != nil {
			addErr = err
			return false
		}
		return true
	})
	if addErr != nil {
		return nil, addErr
	}
	return idx, nil
}
