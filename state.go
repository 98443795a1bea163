package strandvec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/s2"

	"github.com/strandvec/strandvec/blobstore"
	"github.com/strandvec/strandvec/codec"
	"github.com/strandvec/strandvec/distance"
	"github.com/strandvec/strandvec/index"
	"github.com/strandvec/strandvec/quantization"
)

// State container layout:
//
//	magic   [4]byte "SVST"
//	version uint8
//	codec name (uint8 length + bytes)
//	crc32c  uint32 of the compressed payload
//	length  uint64 of the compressed payload
//	payload s2-compressed, codec-marshaled stateContainer
var stateMagic = [4]byte{'S', 'V', 'S', 'T'}

const stateVersion = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// stateRecord is one persisted entry. Code is the quantized representation;
// exact vectors are never persisted.
type stateRecord struct {
	ID       string            `json:"id"`
	Code     []byte            `json:"code"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type stateContainer struct {
	Dimensions   int           `json:"dimensions"`
	Metric       string        `json:"metric"`
	IndexType    string        `json:"index_type"`
	Quantization string        `json:"quantization"`
	PQSubvectors int           `json:"pq_subvectors,omitempty"`
	PQCodebooks  [][]float32   `json:"pq_codebooks,omitempty"`
	Records      []stateRecord `json:"records"`
}

// Export writes the store's state to w: configuration, quantizer codebooks
// and all records in insertion order. The index is not persisted; Load
// rebuilds it.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	s.mu.RLock()

	container := stateContainer{
		Dimensions:   s.dim,
		Metric:       s.opts.metric.String(),
		IndexType:    string(s.opts.indexType),
		Quantization: string(s.quantizer.Mode()),
	}

	if pq, ok := s.quantizer.(*quantization.Product); ok && pq.Trained() {
		container.PQSubvectors = len(pq.Codebooks())
		container.PQCodebooks = pq.Codebooks()
	}

	rows := make([]uint32, 0, len(s.records))
	for row := range s.records {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })

	container.Records = make([]stateRecord, 0, len(rows))
	for _, row := range rows {
		rec := s.records[row]
		container.Records = append(container.Records, stateRecord{
			ID:       rec.id,
			Code:     rec.code,
			Metadata: rec.metadata,
		})
	}

	s.mu.RUnlock()

	err := writeState(w, s.opts.codec, container)
	s.opts.logger.LogSnapshot(ctx, "export", len(container.Records), err)
	return err
}

func writeState(w io.Writer, c codec.Codec, container stateContainer) error {
	raw, err := c.Marshal(container)
	if err != nil {
		return err
	}
	payload := s2.Encode(nil, raw)

	name := c.Name()
	if len(name) > 255 {
		return fmt.Errorf("codec name too long: %q", name)
	}

	if _, err := w.Write(stateMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{stateVersion, uint8(len(name))}); err != nil {
		return err
	}
	if _, err := w.Write([]byte(name)); err != nil {
		return err
	}

	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], crc32.Checksum(payload, castagnoli))
	binary.LittleEndian.PutUint64(header[4:12], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}

	_, err = w.Write(payload)
	return err
}

func readState(r io.Reader) (stateContainer, error) {
	var container stateContainer

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return container, err
	}
	if magic != stateMagic {
		return container, fmt.Errorf("not a state snapshot: bad magic %q", magic)
	}

	var meta [2]byte
	if _, err := io.ReadFull(r, meta[:]); err != nil {
		return container, err
	}
	if meta[0] != stateVersion {
		return container, fmt.Errorf("unsupported snapshot version %d", meta[0])
	}

	nameBytes := make([]byte, meta[1])
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return container, err
	}
	c, ok := codec.ByName(string(nameBytes))
	if !ok {
		return container, fmt.Errorf("unknown snapshot codec %q", nameBytes)
	}

	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return container, err
	}
	wantCRC := binary.LittleEndian.Uint32(header[0:4])
	length := binary.LittleEndian.Uint64(header[4:12])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return container, err
	}
	if got := crc32.Checksum(payload, castagnoli); got != wantCRC {
		return container, fmt.Errorf("snapshot checksum mismatch: got %08x, want %08x", got, wantCRC)
	}

	raw, err := s2.Decode(nil, payload)
	if err != nil {
		return container, err
	}

	if err := c.Unmarshal(raw, &container); err != nil {
		return container, err
	}
	return container, nil
}

// Load reads exported state and reconstructs a Store. Configuration recorded
// in the snapshot (metric, index type, quantization) applies first; optFns
// can override it, e.g. to rebuild under a different index type. Records are
// applied in their original insertion order, so id tie-breaking is
// preserved.
func Load(ctx context.Context, r io.Reader, optFns ...Option) (*Store, error) {
	container, err := readState(r)
	if err != nil {
		return nil, err
	}

	metric, err := distance.ParseMetric(container.Metric)
	if err != nil {
		return nil, err
	}
	indexType, err := index.ParseType(container.IndexType)
	if err != nil {
		return nil, err
	}
	mode, err := quantization.ParseMode(container.Quantization)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithMetric(metric),
		WithIndexType(indexType),
		WithQuantization(mode),
	}
	if mode == quantization.ModeProduct && container.PQSubvectors > 0 {
		subDim := container.Dimensions / container.PQSubvectors
		centroids := 256
		if len(container.PQCodebooks) > 0 && subDim > 0 {
			centroids = len(container.PQCodebooks[0]) / subDim
		}
		base = append(base, WithProductQuantization(container.PQSubvectors, centroids))
	}

	s, err := New(container.Dimensions, append(base, optFns...)...)
	if err != nil {
		return nil, err
	}

	if pq, ok := s.quantizer.(*quantization.Product); ok {
		if len(container.PQCodebooks) == 0 {
			return nil, fmt.Errorf("%w: snapshot has product codes but no codebooks", ErrNotTrained)
		}
		if err := pq.SetCodebooks(container.PQCodebooks); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	for _, rec := range container.Records {
		// Codes go straight back in; re-encoding the decoded form would
		// drift normalized vectors.
		if err := s.apply(ctx, rec.ID, rec.Code, rec.Metadata); err != nil {
			s.mu.Unlock()
			s.opts.logger.LogSnapshot(ctx, "import", 0, err)
			return nil, err
		}
	}
	s.mu.Unlock()

	s.opts.logger.LogSnapshot(ctx, "import", len(container.Records), nil)
	return s, nil
}

// SaveToFile exports the store's state to a file, written atomically via a
// temp file and rename.
func (s *Store) SaveToFile(ctx context.Context, path string) error {
	// Same directory as the target so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".strandvec-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	bw := bufio.NewWriter(tmp)
	if err := s.Export(ctx, bw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// LoadFromFile reads exported state from a file.
func LoadFromFile(ctx context.Context, path string, optFns ...Option) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Load(ctx, bufio.NewReader(f), optFns...)
}

// SaveToBlob exports the store's state to a blobstore backend.
func (s *Store) SaveToBlob(ctx context.Context, store blobstore.Store, name string) error {
	var buf bytes.Buffer
	if err := s.Export(ctx, &buf); err != nil {
		return err
	}
	return store.Put(ctx, name, buf.Bytes())
}

// LoadFromBlob reads exported state from a blobstore backend.
func LoadFromBlob(ctx context.Context, store blobstore.Store, name string, optFns ...Option) (*Store, error) {
	data, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return Load(ctx, bytes.NewReader(data), optFns...)
}
