// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lora/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// storageDType returns the dtype used to store the values in the binary file: metadata
// without a dtype was stored as float32. Values are always float32 in memory.
func storageDType(dtype dtypes.DType) dtypes.DType {
	if dtype == dtypes.InvalidDType {
		return dtypes.Float32
	}
	return dtype
}

// writeTensor writes the values of t in the given dtype, and returns the number of bytes written.
func writeTensor(w io.Writer, t *tensors.Tensor, dtype dtypes.DType) (int, error) {
	dtype = storageDType(dtype)
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		return 0, errors.Errorf("unsupported dtype %s", dtype)
	}
	data := t.Data()
	buf := make([]byte, len(data)*int(dtype.Memory()))
	for ii, v := range data {
		if dtype == dtypes.Float16 {
			binary.LittleEndian.PutUint16(buf[2*ii:], float16.Fromfloat32(v).Bits())
		} else {
			binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
		}
	}
	n, err := w.Write(buf)
	if err != nil {
		return n, errors.Wrap(err, "write")
	}
	if n != len(buf) {
		return n, errors.Errorf("%d bytes requested, %d bytes written", len(buf), n)
	}
	return n, nil
}

// readTensor reads the values of a variable stored with writeTensor.
//
// The shape is checked against the number of bytes stored before anything is allocated.
func readTensor(r io.Reader, varInfo serializedVar) (*tensors.Tensor, error) {
	dtype := storageDType(varInfo.DType)
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		return nil, errors.Errorf("unsupported dtype %s", dtype)
	}
	dtypeSize := int(dtype.Memory())
	maxSize := math.MaxInt / dtypeSize
	size := 1
	for _, dim := range varInfo.Dimensions {
		if dim < 0 || (dim > 0 && size > maxSize/dim) {
			return nil, errors.Errorf("invalid shape %v", varInfo.Dimensions)
		}
		size *= dim
	}
	if varInfo.Length != size*dtypeSize {
		return nil, errors.Errorf("shape %v stored as %s requires %d bytes, but checkpoint has %d bytes",
			varInfo.Dimensions, dtype, size*dtypeSize, varInfo.Length)
	}
	t := tensors.New(varInfo.Dimensions...)
	data := t.Data()
	buf := make([]byte, varInfo.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d bytes", len(buf))
	}
	for ii := range data {
		if dtype == dtypes.Float16 {
			data[ii] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*ii:])).Float32()
		} else {
			data[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
		}
	}
	return t, nil
}

const (
	binHeader     = "gomlx_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header
//
// ----------------------------------------------
// | 0                 16 | 17  | 18    17 +len |
// ----------------------------------------------
// |  "gomlx_checkpoints" | len |  "gzip"       |

// getLoadVarFilesFromReader returns a reader to the decompressed binary variables. Files without the
// header are assumed to be uncompressed.
func getLoadVarFilesFromReader(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, lenBinHeader)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read header")
	}
	if n != lenBinHeader || string(buf) != binHeader {
		_, err = f.Seek(0, io.SeekStart)
		if err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return f, nil
	}
	var headerZipLen uint8
	if err := binary.Read(f, binary.BigEndian, &headerZipLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	buf1 := make([]byte, headerZipLen)
	if _, err = io.ReadFull(f, buf1); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf1) != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "compression %q", string(buf1))
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	var rd1 bytes.Buffer
	_, err = rd1.ReadFrom(rd)
	if err != nil {
		return nil, errors.Wrap(err, "read zip")
	}
	return &rd1, nil
}

type flushWriter interface {
	Write([]byte) (int, error)
	Close() error
	Flush() error
}

// fileWriter buffers the writes to the file, optionally through a gzip writer.
// Close closes all layers, including the file.
type fileWriter struct {
	f   *os.File
	buf *bufio.Writer
	gz  *gzip.Writer
}

func (fw *fileWriter) Write(data []byte) (int, error) {
	if fw.gz != nil {
		return fw.gz.Write(data)
	}
	return fw.buf.Write(data)
}

func (fw *fileWriter) Flush() error {
	if fw.gz != nil {
		if err := fw.gz.Flush(); err != nil {
			return err
		}
	}
	return fw.buf.Flush()
}

func (fw *fileWriter) Close() error {
	if fw.gz != nil {
		if err := fw.gz.Close(); err != nil {
			_ = fw.f.Close()
			return err
		}
	}
	if err := fw.buf.Flush(); err != nil {
		_ = fw.f.Close()
		return err
	}
	return fw.f.Close()
}

// getSaveVarFiles creates a new file at the specified path, and for BinGZIP writes the header and returns a gzip
// writer for the file. It is the responsibility of the caller to call the writer's Close function.
func getSaveVarFiles(path string, bf BinFormat) (flushWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create file")
	}
	fw := &fileWriter{f: f, buf: bufio.NewWriter(f)}
	if bf == BinUncompressed {
		return fw, nil
	}
	var h []byte
	h = append(h, []byte(binHeader)...)
	h = append(h, byte(lenGzipHeader))
	h = append(h, []byte(gzipHeader)...)
	if _, err = fw.buf.Write(h); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "write header")
	}
	fw.gz = gzip.NewWriter(fw.buf)
	return fw, nil
}
