// Package store implements the dataset container: a single file holding two
// parallel, growable sequences, "data" and "label", indexed by sample.
//
// Layout (little endian):
//
//	header (HeaderSize bytes)
//	  magic "RGBDSET\x00" | version uint32 | run id [16]byte
//	  committed end offset uint64 | committed chunk count uint64
//	  2 x sequence descriptor:
//	    name [16]byte | dtype uint8 | rank uint8 | layout uint8 | reserved byte
//	    per-sample dims [4]uint32 | length uint64
//	  zero padding
//
// The layout byte is only set on the data descriptor: 0 for channels-last
// samples, 1 for channels-first.
//	chunk records, back to back
//	  "CHNK" | count uint32 | count data samples | count label samples | crc32
//
// The header is rewritten after each chunk record has been synced, so a
// chunk becomes visible to readers only once it is fully on disk. Bytes past
// the committed end offset are ignored by readers and overwritten by the
// next append.
package store

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// HeaderSize is the fixed size of the container header.
	HeaderSize = 256
	// Version is the container format version written by this package.
	Version = 1
	// MaxSampleRank is the maximum number of per-sample dimensions.
	MaxSampleRank = 4

	// DataName and LabelName are the names of the two sequences.
	DataName  = "data"
	LabelName = "label"

	nameSize     = 16
	seqDescSize  = nameSize + 1 + 1 + 2 + 4*MaxSampleRank + 8
	offVersion   = 8
	offRunID     = 12
	offEnd       = 28
	offChunks    = 36
	offSequences = 44

	offLayout    = offSequences + nameSize + 2

	layoutChannelsLast  = 0
	layoutChannelsFirst = 1

	recordHeaderSize = 8
	recordCRCSize    = 4
)

var (
	magic       = [8]byte{'R', 'G', 'B', 'D', 'S', 'E', 'T', 0}
	recordMagic = [4]byte{'C', 'H', 'N', 'K'}

	// ErrCorrupt is returned when a container does not parse.
	ErrCorrupt = errors.New("store: corrupt container")
)

// Sequence describes one of the two stored sequences.
type Sequence struct {
	Name       string
	DType      dtypes.DType
	SampleDims []int
	Length     int
}

// Dims returns the full shape of the sequence: [Length, SampleDims...].
func (s Sequence) Dims() []int {
	return append([]int{s.Length}, s.SampleDims...)
}

// SampleSize is the number of bytes one sample occupies.
func (s Sequence) SampleSize() (int, error) {
	c, err := codecFor(s.DType)
	if err != nil {
		return 0, err
	}
	n := c.size
	for _, d := range s.SampleDims {
		n *= d
	}
	return n, nil
}

func (s Sequence) sameLayout(o Sequence) bool {
	if s.DType != o.DType || len(s.SampleDims) != len(o.SampleDims) {
		return false
	}
	for i := range s.SampleDims {
		if s.SampleDims[i] != o.SampleDims[i] {
			return false
		}
	}
	return true
}

// Schema is the pair of sequences of a container. ChannelsFirst records
// whether data samples are laid out (3, H, W) rather than (H, W, 3).
type Schema struct {
	Data          Sequence
	Label         Sequence
	ChannelsFirst bool
}

type codec struct {
	code  uint8
	dtype dtypes.DType
	size  int
}

var codecs = []codec{
	{code: 1, dtype: dtypes.Uint8, size: 1},
	{code: 2, dtype: dtypes.Uint16, size: 2},
	{code: 3, dtype: dtypes.Float32, size: 4},
}

func codecFor(dtype dtypes.DType) (codec, error) {
	for _, c := range codecs {
		if c.dtype == dtype {
			return c, nil
		}
	}
	return codec{}, errors.Errorf("store: unsupported dtype %s", dtype)
}

func codecForCode(code uint8) (codec, error) {
	for _, c := range codecs {
		if c.code == code {
			return c, nil
		}
	}
	return codec{}, errors.Wrapf(ErrCorrupt, "unknown dtype code %d", code)
}

// header is the decoded fixed-size header.
type header struct {
	runID  uuid.UUID
	end    int64
	chunks int
	schema Schema
}

func (h *header) marshal() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	copy(buf, magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], Version)
	copy(buf[offRunID:offRunID+16], h.runID[:])
	binary.LittleEndian.PutUint64(buf[offEnd:], uint64(h.end))
	binary.LittleEndian.PutUint64(buf[offChunks:], uint64(h.chunks))
	for i, seq := range []Sequence{h.schema.Data, h.schema.Label} {
		if err := putSequence(buf[offSequences+i*seqDescSize:], seq); err != nil {
			return nil, err
		}
	}
	if h.schema.ChannelsFirst {
		buf[offLayout] = layoutChannelsFirst
	}
	return buf, nil
}

func putSequence(buf []byte, seq Sequence) error {
	if len(seq.Name) > nameSize {
		return errors.Errorf("store: sequence name %q longer than %d bytes", seq.Name, nameSize)
	}
	if len(seq.SampleDims) > MaxSampleRank {
		return errors.Errorf("store: sequence %q has rank %d, at most %d supported", seq.Name, len(seq.SampleDims), MaxSampleRank)
	}
	c, err := codecFor(seq.DType)
	if err != nil {
		return err
	}
	copy(buf[:nameSize], seq.Name)
	buf[nameSize] = c.code
	buf[nameSize+1] = uint8(len(seq.SampleDims))
	for i, d := range seq.SampleDims {
		binary.LittleEndian.PutUint32(buf[nameSize+4+4*i:], uint32(d))
	}
	binary.LittleEndian.PutUint64(buf[nameSize+4+4*MaxSampleRank:], uint64(seq.Length))
	return nil
}

func unmarshalHeader(buf []byte) (*header, error) {
	if len(buf) < HeaderSize || !bytes.Equal(buf[:len(magic)], magic[:]) {
		return nil, errors.Wrap(ErrCorrupt, "bad magic")
	}
	if v := binary.LittleEndian.Uint32(buf[offVersion:]); v != Version {
		return nil, errors.Errorf("store: unsupported container version %d", v)
	}
	h := &header{}
	copy(h.runID[:], buf[offRunID:offRunID+16])
	h.end = int64(binary.LittleEndian.Uint64(buf[offEnd:]))
	h.chunks = int(binary.LittleEndian.Uint64(buf[offChunks:]))
	seqs := make([]Sequence, 2)
	for i := range seqs {
		seq, err := getSequence(buf[offSequences+i*seqDescSize:])
		if err != nil {
			return nil, err
		}
		seqs[i] = seq
	}
	h.schema = Schema{Data: seqs[0], Label: seqs[1]}
	switch layout := buf[offLayout]; layout {
	case layoutChannelsLast:
	case layoutChannelsFirst:
		h.schema.ChannelsFirst = true
	default:
		return nil, errors.Wrapf(ErrCorrupt, "unknown data layout %d", layout)
	}
	if h.end < HeaderSize {
		return nil, errors.Wrapf(ErrCorrupt, "end offset %d inside header", h.end)
	}
	return h, nil
}

func getSequence(buf []byte) (Sequence, error) {
	name := string(bytes.TrimRight(buf[:nameSize], "\x00"))
	c, err := codecForCode(buf[nameSize])
	if err != nil {
		return Sequence{}, err
	}
	rank := int(buf[nameSize+1])
	if rank > MaxSampleRank {
		return Sequence{}, errors.Wrapf(ErrCorrupt, "sequence %q has rank %d", name, rank)
	}
	dims := make([]int, rank)
	for i := range dims {
		dims[i] = int(binary.LittleEndian.Uint32(buf[nameSize+4+4*i:]))
	}
	length := binary.LittleEndian.Uint64(buf[nameSize+4+4*MaxSampleRank:])
	return Sequence{Name: name, DType: c.dtype, SampleDims: dims, Length: int(length)}, nil
}

// sequenceOf describes a batch tensor as a sequence named name.
func sequenceOf(name string, t *tensors.Tensor) (Sequence, error) {
	if t == nil {
		return Sequence{}, errors.Errorf("store: nil %s tensor", name)
	}
	shape := t.Shape()
	if shape.Rank() < 1 {
		return Sequence{}, errors.Errorf("store: %s tensor must have a sample axis, got shape %s", name, shape)
	}
	if _, err := codecFor(shape.DType); err != nil {
		return Sequence{}, err
	}
	dims := shape.Dimensions
	return Sequence{
		Name:       name,
		DType:      shape.DType,
		SampleDims: append([]int(nil), dims[1:]...),
		Length:     dims[0],
	}, nil
}

// encodeTensor serializes the flat contents of t.
func encodeTensor(t *tensors.Tensor) ([]byte, error) {
	var out []byte
	var err error
	t.ConstFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []uint8:
			out = append([]byte(nil), flat...)
		case []uint16:
			out = make([]byte, 2*len(flat))
			for i, v := range flat {
				binary.LittleEndian.PutUint16(out[2*i:], v)
			}
		case []float32:
			out = make([]byte, 4*len(flat))
			for i, v := range flat {
				binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
			}
		default:
			err = errors.Errorf("store: cannot encode flat data of type %T", flatAny)
		}
	})
	return out, err
}

// decodeTensor builds a tensor of the given dtype and dims from raw bytes.
func decodeTensor(dtype dtypes.DType, dims []int, raw []byte) (*tensors.Tensor, error) {
	t := tensors.FromShape(shapes.Make(dtype, dims...))
	var err error
	t.MutableFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []uint8:
			copy(flat, raw)
		case []uint16:
			for i := range flat {
				flat[i] = binary.LittleEndian.Uint16(raw[2*i:])
			}
		case []float32:
			for i := range flat {
				flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
			}
		default:
			err = errors.Errorf("store: cannot decode into flat data of type %T", flatAny)
		}
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
