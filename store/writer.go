package store

import (
	"encoding/binary"
	"hash/crc32"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Appender is an append-only columnar store of paired sequences. Create
// starts the store with an initial block and Append extends it. Each call
// commits a whole block or nothing.
type Appender interface {
	Create(data, label *tensors.Tensor) error
	Append(data, label *tensors.Tensor) error
}

type writerState int

const (
	uninitialized writerState = iota
	initialized
)

// Writer commits batches to a container file. The first Write creates the
// file (truncating any existing one) and fixes the per-sample shapes; later
// writes append. The file is opened and closed once per call.
type Writer struct {
	path   string
	runID  uuid.UUID
	state  writerState
	schema Schema
	chunks int

	channelsFirst bool
}

var _ Appender = (*Writer)(nil)

// NewWriter returns an uninitialized writer for path. runID is stored in the
// container header.
func NewWriter(path string, runID uuid.UUID) *Writer {
	return &Writer{path: path, runID: runID}
}

// WithChannelsFirst records in the container that data samples are laid out
// (3, H, W). It must be set before the container is created.
func (w *Writer) WithChannelsFirst(channelsFirst bool) *Writer {
	w.channelsFirst = channelsFirst
	return w
}

// Path returns the destination path.
func (w *Writer) Path() string { return w.path }

// Initialized reports whether the container has been created.
func (w *Writer) Initialized() bool { return w.state == initialized }

// Len returns the number of committed samples.
func (w *Writer) Len() int { return w.schema.Data.Length }

// Chunks returns the number of committed chunk records.
func (w *Writer) Chunks() int { return w.chunks }

// Schema returns the committed schema.
func (w *Writer) Schema() Schema { return w.schema }

// Write creates the container on the first call and appends afterwards.
func (w *Writer) Write(data, label *tensors.Tensor) error {
	if w.state == uninitialized {
		return w.Create(data, label)
	}
	return w.Append(data, label)
}

// Create truncates the destination and writes data and label as the initial
// contents of the two sequences.
func (w *Writer) Create(data, label *tensors.Tensor) error {
	if w.state != uninitialized {
		return errors.Errorf("store: %q already created", w.path)
	}
	schema, err := batchSchema(data, label)
	if err != nil {
		return err
	}
	schema.ChannelsFirst = w.channelsFirst
	record, err := encodeRecord(data, label, schema.Data.Length)
	if err != nil {
		return err
	}

	f, err := os.Create(w.path)
	if err != nil {
		return errors.Wrapf(err, "store: failed to create %q", w.path)
	}
	defer f.Close()

	h := &header{runID: w.runID, end: HeaderSize, schema: schema}
	h.schema.Data.Length, h.schema.Label.Length = 0, 0
	if err := writeHeader(f, h); err != nil {
		return err
	}
	if err := commit(f, h, record, schema.Data.Length); err != nil {
		return errors.Wrapf(err, "store: failed to write initial chunk to %q", w.path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "store: failed to close %q", w.path)
	}

	w.state = initialized
	w.schema = h.schema
	w.chunks = h.chunks
	klog.V(1).Infof("Created %s with %d samples (data %v, label %v)", w.path, w.Len(), schema.Data.SampleDims, schema.Label.SampleDims)
	return nil
}

// CreateEmpty truncates the destination and writes a container with zero
// samples and the given per-sample layout. Used when no chunk produced any
// sample, so the output file still exists with the expected shapes.
func (w *Writer) CreateEmpty(schema Schema) error {
	if w.state != uninitialized {
		return errors.Errorf("store: %q already created", w.path)
	}
	schema.Data.Name, schema.Label.Name = DataName, LabelName
	schema.Data.Length, schema.Label.Length = 0, 0

	f, err := os.Create(w.path)
	if err != nil {
		return errors.Wrapf(err, "store: failed to create %q", w.path)
	}
	defer f.Close()
	h := &header{runID: w.runID, end: HeaderSize, schema: schema}
	if err := writeHeader(f, h); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "store: failed to sync %q", w.path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "store: failed to close %q", w.path)
	}
	w.state = initialized
	w.schema = schema
	w.channelsFirst = schema.ChannelsFirst
	return nil
}

// Append extends both sequences by the batch's sample count and writes the
// new samples at the previous end.
func (w *Writer) Append(data, label *tensors.Tensor) error {
	if w.state != initialized {
		return errors.Errorf("store: append to %q before create", w.path)
	}
	incoming, err := batchSchema(data, label)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(w.path, os.O_RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "store: failed to open %q for append", w.path)
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return errors.Wrapf(err, "store: %q", w.path)
	}
	if h.schema.ChannelsFirst != w.channelsFirst {
		return errors.Errorf("store: %q has channels first=%t, writer has %t", w.path, h.schema.ChannelsFirst, w.channelsFirst)
	}
	if !h.schema.Data.sameLayout(incoming.Data) {
		return errors.Errorf("store: data samples %s%v do not match container %s%v",
			incoming.Data.DType, incoming.Data.SampleDims, h.schema.Data.DType, h.schema.Data.SampleDims)
	}
	if !h.schema.Label.sameLayout(incoming.Label) {
		return errors.Errorf("store: label samples %s%v do not match container %s%v",
			incoming.Label.DType, incoming.Label.SampleDims, h.schema.Label.DType, h.schema.Label.SampleDims)
	}
	record, err := encodeRecord(data, label, incoming.Data.Length)
	if err != nil {
		return err
	}
	if err := f.Truncate(h.end); err != nil {
		return errors.Wrapf(err, "store: failed to drop uncommitted tail of %q", w.path)
	}
	if err := commit(f, h, record, incoming.Data.Length); err != nil {
		return errors.Wrapf(err, "store: failed to append chunk to %q", w.path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "store: failed to close %q", w.path)
	}

	w.schema = h.schema
	w.chunks = h.chunks
	klog.V(1).Infof("Appended %d samples to %s (total %d)", incoming.Data.Length, w.path, w.Len())
	return nil
}

// commit writes record at the committed end, syncs it, then publishes it by
// rewriting the header with both sequences extended by n.
func commit(f *os.File, h *header, record []byte, n int) error {
	if _, err := f.WriteAt(record, h.end); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	h.end += int64(len(record))
	h.chunks++
	h.schema.Data.Length += n
	h.schema.Label.Length += n
	if err := writeHeader(f, h); err != nil {
		return err
	}
	return f.Sync()
}

func writeHeader(f *os.File, h *header) error {
	buf, err := h.marshal()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "store: failed to write header")
	}
	return nil
}

func readHeader(f *os.File) (*header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(ErrCorrupt, "short header")
	}
	return unmarshalHeader(buf)
}

func batchSchema(data, label *tensors.Tensor) (Schema, error) {
	d, err := sequenceOf(DataName, data)
	if err != nil {
		return Schema{}, err
	}
	l, err := sequenceOf(LabelName, label)
	if err != nil {
		return Schema{}, err
	}
	if d.Length != l.Length {
		return Schema{}, errors.Errorf("store: data has %d samples but label has %d", d.Length, l.Length)
	}
	if len(d.SampleDims) > MaxSampleRank || len(l.SampleDims) > MaxSampleRank {
		return Schema{}, errors.Errorf("store: at most %d per-sample dimensions supported", MaxSampleRank)
	}
	return Schema{Data: d, Label: l}, nil
}

// encodeRecord lays out one chunk record for n samples.
func encodeRecord(data, label *tensors.Tensor, n int) ([]byte, error) {
	dataBytes, err := encodeTensor(data)
	if err != nil {
		return nil, err
	}
	labelBytes, err := encodeTensor(label)
	if err != nil {
		return nil, err
	}
	record := make([]byte, 0, recordHeaderSize+len(dataBytes)+len(labelBytes)+recordCRCSize)
	record = append(record, recordMagic[:]...)
	record = binary.LittleEndian.AppendUint32(record, uint32(n))
	record = append(record, dataBytes...)
	record = append(record, labelBytes...)
	crc := crc32.ChecksumIEEE(record[recordHeaderSize:])
	record = binary.LittleEndian.AppendUint32(record, crc)
	return record, nil
}
