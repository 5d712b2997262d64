// Package schema defines CollectionMeta/ColumnMeta and the schema
// evolution rules: adding or removing index columns is allowed, but a
// column's name, engine, data type, dimension, or parameters may never
// change once created. Serialization is a round-trip-identity,
// fixed-order binary encoding.
package schema

import (
	"encoding/binary"
	"math"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/column"
)

func uint32frombits(f float32) uint32  { return math.Float32bits(f) }
func float32frombits(u uint32) float32 { return math.Float32frombits(u) }

// DataType is the element type a column's vectors are stored as.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
)

// ColumnMeta describes one index column, persisted as part of
// CollectionMeta.
type ColumnMeta struct {
	Name           string
	DataType       DataType
	Dimension      int
	Engine         column.EngineKind
	Metric         column.MetricType
	Quantize       column.QuantizeType
	MaxNeighborCnt int
	EfConstruction int
	EfSearch       int
	ChunkSizeBytes int64
	MaxScanRatio   float32
	VisitBloom     bool
}

// DefaultColumnMeta fills in the engine parameter defaults.
func DefaultColumnMeta(name string, dim int) ColumnMeta {
	return ColumnMeta{
		Name:           name,
		DataType:       DataTypeFloat32,
		Dimension:      dim,
		Engine:         column.EngineOSWG,
		Metric:         column.MetricSquaredEuclidean,
		Quantize:       column.QuantizeNone,
		EfSearch:       200,
		ChunkSizeBytes: 64 << 20,
	}
}

// ToColumnConfig lowers c into the column.Meta the indexer/reader
// constructors take, supplying the context-pool concurrency the
// schema itself doesn't carry.
func (c ColumnMeta) ToColumnConfig(concurrency int) column.Meta {
	return column.Meta{
		Name:        c.Name,
		Dimension:   c.Dimension,
		Engine:      c.Engine,
		Metric:      c.Metric,
		Quantize:    c.Quantize,
		EfSearch:    c.EfSearch,
		Concurrency: concurrency,
	}
}

// CollectionMeta is the collection's schema: its name, a monotonically
// increasing revision, the forward-only column names, and the index
// columns.
type CollectionMeta struct {
	Name           string
	Revision       uint32
	ForwardColumns []string
	IndexColumns   []ColumnMeta
}

// ValidateUpdate checks that next is a legal schema evolution of cur:
// only adding or removing index columns, never mutating a surviving
// column's locked fields.
func ValidateUpdate(cur, next CollectionMeta) error {
	byName := make(map[string]ColumnMeta, len(cur.IndexColumns))
	for _, c := range cur.IndexColumns {
		byName[c.Name] = c
	}
	for _, n := range next.IndexColumns {
		old, existed := byName[n.Name]
		if !existed {
			continue // a new column: always fine.
		}
		if old.Name != n.Name {
			return annerr.NewUpdateColumnNameField(n.Name)
		}
		if old.Engine != n.Engine {
			return annerr.NewUpdateIndexTypeField(n.Name)
		}
		if old.DataType != n.DataType || old.Dimension != n.Dimension {
			return annerr.NewUpdateDataTypeField(n.Name)
		}
		if old.Quantize != n.Quantize || old.Metric != n.Metric ||
			old.MaxNeighborCnt != n.MaxNeighborCnt || old.EfConstruction != n.EfConstruction ||
			old.EfSearch != n.EfSearch || old.ChunkSizeBytes != n.ChunkSizeBytes ||
			old.MaxScanRatio != n.MaxScanRatio || old.VisitBloom != n.VisitBloom {
			return annerr.NewUpdateParametersField(n.Name)
		}
	}
	return nil
}

// Encode serializes m into a length-prefixed, fixed-order binary layout.
func Encode(m CollectionMeta) []byte {
	var buf []byte
	buf = appendString(buf, m.Name)
	buf = appendUint32(buf, m.Revision)
	buf = appendUint32(buf, uint32(len(m.ForwardColumns)))
	for _, fc := range m.ForwardColumns {
		buf = appendString(buf, fc)
	}
	buf = appendUint32(buf, uint32(len(m.IndexColumns)))
	for _, c := range m.IndexColumns {
		buf = appendString(buf, c.Name)
		buf = appendString(buf, string(c.DataType))
		buf = appendUint32(buf, uint32(c.Dimension))
		buf = appendString(buf, string(c.Engine))
		buf = appendString(buf, string(c.Metric))
		buf = appendString(buf, string(c.Quantize))
		buf = appendUint32(buf, uint32(c.MaxNeighborCnt))
		buf = appendUint32(buf, uint32(c.EfConstruction))
		buf = appendUint32(buf, uint32(c.EfSearch))
		buf = appendUint64(buf, uint64(c.ChunkSizeBytes))
		buf = appendUint32(buf, uint32frombits(c.MaxScanRatio))
		var bloom byte
		if c.VisitBloom {
			bloom = 1
		}
		buf = append(buf, bloom)
	}
	return buf
}

// Decode is Encode's exact inverse: encode-then-decode is identity on
// every schema field.
func Decode(buf []byte) (CollectionMeta, error) {
	r := &reader{buf: buf}
	var m CollectionMeta
	var err error
	if m.Name, err = r.string(); err != nil {
		return m, err
	}
	if m.Revision, err = r.uint32(); err != nil {
		return m, err
	}
	n, err := r.uint32()
	if err != nil {
		return m, err
	}
	for i := uint32(0); i < n; i++ {
		s, err := r.string()
		if err != nil {
			return m, err
		}
		m.ForwardColumns = append(m.ForwardColumns, s)
	}
	nc, err := r.uint32()
	if err != nil {
		return m, err
	}
	for i := uint32(0); i < nc; i++ {
		var c ColumnMeta
		if c.Name, err = r.string(); err != nil {
			return m, err
		}
		dt, err := r.string()
		if err != nil {
			return m, err
		}
		c.DataType = DataType(dt)
		dim, err := r.uint32()
		if err != nil {
			return m, err
		}
		c.Dimension = int(dim)
		eng, err := r.string()
		if err != nil {
			return m, err
		}
		c.Engine = column.EngineKind(eng)
		metric, err := r.string()
		if err != nil {
			return m, err
		}
		c.Metric = column.MetricType(metric)
		quant, err := r.string()
		if err != nil {
			return m, err
		}
		c.Quantize = column.QuantizeType(quant)
		mnc, err := r.uint32()
		if err != nil {
			return m, err
		}
		c.MaxNeighborCnt = int(mnc)
		efc, err := r.uint32()
		if err != nil {
			return m, err
		}
		c.EfConstruction = int(efc)
		efs, err := r.uint32()
		if err != nil {
			return m, err
		}
		c.EfSearch = int(efs)
		chunk, err := r.uint64()
		if err != nil {
			return m, err
		}
		c.ChunkSizeBytes = int64(chunk)
		scanRatio, err := r.uint32()
		if err != nil {
			return m, err
		}
		c.MaxScanRatio = float32frombits(scanRatio)
		bloom, err := r.byte()
		if err != nil {
			return m, err
		}
		c.VisitBloom = bloom != 0
		m.IndexColumns = append(m.IndexColumns, c)
	}
	return m, nil
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return annerr.NewUnpackIndex("collection meta truncated")
	}
	return nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off : r.off+8])
	r.off += 8
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}
