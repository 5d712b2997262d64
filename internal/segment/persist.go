package segment

import (
	"encoding/binary"
	"math"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/column"
	"github.com/bobboyms/annindex/internal/container"
	"github.com/bobboyms/annindex/internal/forward"
	"github.com/bobboyms/annindex/internal/snapshot"
	"github.com/bobboyms/annindex/internal/storagebackend"
)

func float32bitsLE(f float32) uint32     { return math.Float32bits(f) }
func float32frombitsLE(u uint32) float32 { return math.Float32frombits(u) }

// encodeColumnDump serializes a column's live (docId, vector) pairs as
// count(u32) + dim(u32) + [docId(u64) + vec(dim*f32)]*count, the wire
// format a ColumnIndex<name> container segment carries.
func encodeColumnDump(ids []uint64, vecs [][]float32) []byte {
	dim := 0
	if len(vecs) > 0 {
		dim = len(vecs[0])
	}
	buf := make([]byte, 8+len(ids)*(8+dim*4))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ids)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(dim))
	off := 8
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[off:off+8], id)
		off += 8
		for _, v := range vecs[i] {
			binary.LittleEndian.PutUint32(buf[off:off+4], float32bitsLE(v))
			off += 4
		}
	}
	return buf
}

func decodeColumnDump(buf []byte) ([]uint64, [][]float32, int, error) {
	if len(buf) < 8 {
		return nil, nil, 0, annerr.NewUnpackIndex("column dump truncated")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	dim := int(binary.LittleEndian.Uint32(buf[4:8]))
	off := 8
	ids := make([]uint64, count)
	vecs := make([][]float32, count)
	for i := uint32(0); i < count; i++ {
		if off+8 > len(buf) {
			return nil, nil, 0, annerr.NewUnpackIndex("column dump truncated")
		}
		ids[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		vec := make([]float32, dim)
		for d := 0; d < dim; d++ {
			if off+4 > len(buf) {
				return nil, nil, 0, annerr.NewUnpackIndex("column dump truncated")
			}
			vec[d] = float32frombitsLE(binary.LittleEndian.Uint32(buf[off : off+4]))
			off += 4
		}
		vecs[i] = vec
	}
	return ids, vecs, dim, nil
}

// Persist is the read-only counterpart of Memory, reconstructed from a
// dumped container: a forward store plus one column reader per index
// column.
type Persist struct {
	id       uint32
	minDocID uint64
	maxDocID uint64

	fwd     *forward.Store
	columns map[string]*column.Reader
}

// OpenPersist unpacks a data.seg.<id> container into read-only forward
// and column readers.
func OpenPersist(id uint32, minDocID, maxDocID uint64, raw []byte, colMeta map[string]column.Meta) (*Persist, error) {
	unpacked, err := container.Unpack(raw)
	if err != nil {
		return nil, err
	}

	fwdBuf, ok := unpacked.Segment("ForwardIndex")
	if !ok {
		return nil, annerr.NewInvalidSegment(id, "missing ForwardIndex segment")
	}
	fwdStore, err := mountForwardFromBytes(fwdBuf)
	if err != nil {
		return nil, err
	}

	p := &Persist{id: id, minDocID: minDocID, maxDocID: maxDocID, fwd: fwdStore, columns: make(map[string]*column.Reader)}
	for name, meta := range colMeta {
		colBuf, ok := unpacked.Segment("ColumnIndex" + name)
		if !ok {
			continue // column absent from this dump: it is not registered, so a search of it returns InexistentColumn.
		}
		ids, vecs, _, err := decodeColumnDump(colBuf)
		if err != nil {
			return nil, err
		}
		reader, err := column.OpenReader(meta, ids, vecs)
		if err != nil {
			return nil, err
		}
		p.columns[name] = reader
	}
	return p, nil
}

// mountForwardFromBytes replays a dumped ForwardIndex block into a fresh
// in-memory forward.Store by round-tripping it through a MemoryStorage,
// reusing forward.Open's sequential-scan mount path instead of a
// separate read-only parser.
func mountForwardFromBytes(buf []byte) (*forward.Store, error) {
	backend := storagebackend.NewMemoryStorage()
	if err := backend.Open("", true); err != nil {
		return nil, err
	}
	blk, err := backend.Append(forward.DataBlockID, int64(len(buf)))
	if err != nil {
		return nil, err
	}
	if _, err := blk.Write(0, buf); err != nil {
		return nil, err
	}
	snap := snapshot.FromBackend(backend)
	return forward.Open(snap)
}

// AddColumn adds an empty shadow column reader: the persist container
// is immutable, so future queries on that column return an empty result
// set without error.
func (p *Persist) AddColumn(meta column.Meta) error {
	reader, err := column.OpenReader(meta, nil, nil)
	if err != nil {
		return err
	}
	p.columns[meta.Name] = reader
	return nil
}

// RemoveColumn drops the reader; subsequent search on the name returns
// InexistentColumn from KnnSearch, matching Memory's behavior.
func (p *Persist) RemoveColumn(name string) {
	delete(p.columns, name)
}

func (p *Persist) ID() uint32        { return p.id }
func (p *Persist) MinDocID() uint64  { return p.minDocID }
func (p *Persist) MaxDocID() uint64  { return p.maxDocID }
func (p *Persist) IsInRange(docID uint64) bool {
	return docID >= p.minDocID && docID <= p.maxDocID
}

// Fetch resolves docID to its forward record.
func (p *Persist) Fetch(docID uint64) (forward.Record, error) {
	if !p.IsInRange(docID) {
		return forward.Record{}, annerr.NewInexistentKey(docID)
	}
	return p.fwd.Seek(docID - p.minDocID)
}

// KnnSearch mirrors Memory.KnnSearch against the immutable readers.
func (p *Persist) KnnSearch(colName string, query []float32, params column.SearchParams, filter column.Filter) ([]SearchHit, error) {
	reader, ok := p.columns[colName]
	if !ok {
		return nil, annerr.NewInexistentColumn(colName)
	}
	results, err := reader.Search(query, params, filter)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		if reader.NeedsFilterPostCheck() && filter != nil && !filter(r.DocID) {
			continue
		}
		fr, err := p.fwd.Seek(r.DocID - p.minDocID)
		if err != nil {
			continue
		}
		hits = append(hits, SearchHit{
			DocID:       r.DocID,
			Score:       r.Score,
			PrimaryKey:  fr.PrimaryKey,
			Revision:    fr.Revision,
			LSN:         fr.LSN,
			Timestamp:   fr.Timestamp,
			ForwardData: fr.Data,
		})
	}
	return hits, nil
}

// KnnSearchBatch mirrors Memory.KnnSearchBatch against the immutable
// readers.
func (p *Persist) KnnSearchBatch(colName string, queries [][]float32, params column.SearchParams, filter column.Filter) ([][]SearchHit, error) {
	out := make([][]SearchHit, len(queries))
	for i, q := range queries {
		hits, err := p.KnnSearch(colName, q, params, filter)
		if err != nil {
			return nil, err
		}
		out[i] = hits
	}
	return out, nil
}
