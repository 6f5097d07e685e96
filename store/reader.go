package store

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type chunkIndex struct {
	offset int64
	first  int
	count  int
}

// Reader gives random access to the committed samples of a container.
type Reader struct {
	path   string
	f      *os.File
	header *header
	chunks []chunkIndex

	// Bytes per sample of the data and label sequences.
	dataSize, labelSize int
}

// Open reads the header of the container at path and indexes its committed
// chunk records. Bytes past the committed end are ignored.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: failed to open %q", path)
	}
	r := &Reader{path: path, f: f}
	if err := r.index(); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "store: %q", path)
	}
	return r, nil
}

func (r *Reader) index() error {
	h, err := readHeader(r.f)
	if err != nil {
		return err
	}
	r.header = h
	if r.dataSize, err = h.schema.Data.SampleSize(); err != nil {
		return err
	}
	if r.labelSize, err = h.schema.Label.SampleSize(); err != nil {
		return err
	}
	dataSize, labelSize := int64(r.dataSize), int64(r.labelSize)

	buf := make([]byte, recordHeaderSize)
	offset, total := int64(HeaderSize), 0
	for offset < h.end {
		if _, err := r.f.ReadAt(buf, offset); err != nil {
			return errors.Wrapf(ErrCorrupt, "chunk %d at offset %d: %v", len(r.chunks), offset, err)
		}
		if [4]byte(buf[:4]) != recordMagic {
			return errors.Wrapf(ErrCorrupt, "chunk %d at offset %d: bad record magic", len(r.chunks), offset)
		}
		count := int(binary.LittleEndian.Uint32(buf[4:]))
		r.chunks = append(r.chunks, chunkIndex{offset: offset, first: total, count: count})
		total += count
		offset += recordHeaderSize + int64(count)*(dataSize+labelSize) + recordCRCSize
	}
	if offset != h.end {
		return errors.Wrapf(ErrCorrupt, "chunk records end at %d, header says %d", offset, h.end)
	}
	if len(r.chunks) != h.chunks {
		return errors.Wrapf(ErrCorrupt, "found %d chunk records, header says %d", len(r.chunks), h.chunks)
	}
	if total != h.schema.Data.Length || total != h.schema.Label.Length {
		return errors.Wrapf(ErrCorrupt, "chunk records hold %d samples, header says data=%d label=%d",
			total, h.schema.Data.Length, h.schema.Label.Length)
	}
	return nil
}

// Path returns the container path.
func (r *Reader) Path() string { return r.path }

// Len returns the number of samples, which is the same for both sequences.
func (r *Reader) Len() int { return r.header.schema.Data.Length }

// Schema returns the layout of both sequences.
func (r *Reader) Schema() Schema { return r.header.schema }

// RunID returns the id of the run that created the container.
func (r *Reader) RunID() uuid.UUID { return r.header.runID }

// NumChunks returns the number of committed chunk records.
func (r *Reader) NumChunks() int { return len(r.chunks) }

// ChunkLens returns the sample count of each committed chunk, in order.
func (r *Reader) ChunkLens() []int {
	lens := make([]int, len(r.chunks))
	for i, c := range r.chunks {
		lens[i] = c.count
	}
	return lens
}

// ReadData returns samples [start, start+count) of the data sequence.
func (r *Reader) ReadData(start, count int) (*tensors.Tensor, error) {
	return r.read(r.header.schema.Data, start, count)
}

// ReadLabel returns samples [start, start+count) of the label sequence.
func (r *Reader) ReadLabel(start, count int) (*tensors.Tensor, error) {
	return r.read(r.header.schema.Label, start, count)
}

// SampleBytes returns the raw little endian bytes of sample i of seq.
func (r *Reader) SampleBytes(seq string, i int) ([]byte, error) {
	if i < 0 || i >= r.Len() {
		return nil, errors.Errorf("store: sample %d out of range [0, %d)", i, r.Len())
	}
	s, err := r.sequence(seq)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, r.sampleSize(s))
	if err := r.readSamples(s, i, 1, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) sequence(name string) (Sequence, error) {
	switch name {
	case DataName:
		return r.header.schema.Data, nil
	case LabelName:
		return r.header.schema.Label, nil
	}
	return Sequence{}, errors.Errorf("store: no sequence %q", name)
}

func (r *Reader) sampleSize(s Sequence) int {
	if s.Name == LabelName {
		return r.labelSize
	}
	return r.dataSize
}

func (r *Reader) read(s Sequence, start, count int) (*tensors.Tensor, error) {
	if start < 0 || count < 0 || start+count > r.Len() {
		return nil, errors.Errorf("store: range [%d, %d) out of bounds [0, %d)", start, start+count, r.Len())
	}
	raw := make([]byte, count*r.sampleSize(s))
	if err := r.readSamples(s, start, count, raw); err != nil {
		return nil, err
	}
	dims := append([]int{count}, s.SampleDims...)
	return decodeTensor(s.DType, dims, raw)
}

// readSamples copies count consecutive samples of s starting at start into
// dst, walking chunk records as needed.
func (r *Reader) readSamples(s Sequence, start, count int, dst []byte) error {
	size := r.sampleSize(s)
	for _, c := range r.chunks {
		if count == 0 {
			break
		}
		if start >= c.first+c.count {
			continue
		}
		local := start - c.first
		n := min(count, c.count-local)
		base := c.offset + recordHeaderSize
		if s.Name == LabelName {
			base += int64(c.count * r.dataSize)
		}
		off := base + int64(local*size)
		if _, err := r.f.ReadAt(dst[:n*size], off); err != nil {
			return errors.Wrapf(err, "store: failed to read %s samples [%d, %d)", s.Name, start, start+n)
		}
		dst = dst[n*size:]
		start += n
		count -= n
	}
	return nil
}

// Verify checks the checksum of every committed chunk record.
func (r *Reader) Verify() error {
	for i, c := range r.chunks {
		payload := int64(c.count) * int64(r.dataSize+r.labelSize)
		section := io.NewSectionReader(r.f, c.offset+recordHeaderSize, payload)
		h := crc32.NewIEEE()
		if _, err := io.Copy(h, section); err != nil {
			return errors.Wrapf(err, "store: failed to read chunk %d", i)
		}
		var want [recordCRCSize]byte
		if _, err := r.f.ReadAt(want[:], c.offset+recordHeaderSize+payload); err != nil {
			return errors.Wrapf(err, "store: failed to read checksum of chunk %d", i)
		}
		if got := h.Sum32(); got != binary.LittleEndian.Uint32(want[:]) {
			return errors.Wrapf(ErrCorrupt, "chunk %d checksum mismatch", i)
		}
	}
	return nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
