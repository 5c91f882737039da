// Package evtlog records and replays event-camera container streams.
//
// A .evtlog file is a single JSON header line describing the recording and
// the device it came from, followed by the containers in arrival order, each
// framed as a little-endian uint32 byte length and the serialized container.
package evtlog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/eventcam/internal/dvs"
	"github.com/banshee-data/eventcam/internal/fsutil"
)

// FileExtension is the extension for eventcam log files.
const FileExtension = ".evtlog"

// maxContainerBytes bounds a single framed container on read, so a corrupt
// length word cannot drive a multi-gigabyte allocation.
const maxContainerBytes = 64 << 20

// LogHeader is the JSON header line at the start of every log file.
type LogHeader struct {
	Version         string `json:"version"`
	CreatedNs       int64  `json:"created_ns"`
	SerialNumber    string `json:"serial_number"`
	DeviceString    string `json:"device_string"`
	SizeX           int    `json:"size_x"`
	SizeY           int    `json:"size_y"`
	TotalContainers uint64 `json:"total_containers,omitempty"`
}

// Writer appends containers to a log file. Safe for use from one recording
// goroutine plus a concurrent Close.
type Writer struct {
	mu         sync.Mutex
	out        io.WriteCloser
	buf        *bufio.Writer
	containers uint64
	closed     bool
}

// NewWriter creates path (truncating any existing file) and writes the log
// header for the given device. The path must carry the .evtlog extension.
func NewWriter(path string, info dvs.DeviceInfo) (*Writer, error) {
	return NewWriterFS(fsutil.OSFileSystem{}, path, info)
}

// NewWriterFS is NewWriter against an explicit filesystem, for tests.
func NewWriterFS(fs fsutil.FileSystem, path string, info dvs.DeviceInfo) (*Writer, error) {
	if ext := filepath.Ext(path); ext != FileExtension {
		return nil, fmt.Errorf("event log must have %s extension, got %q", FileExtension, ext)
	}

	out, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create event log: %w", err)
	}

	w := &Writer{out: out, buf: bufio.NewWriter(out)}
	header := LogHeader{
		Version:      "1.0",
		CreatedNs:    time.Now().UnixNano(),
		SerialNumber: info.SerialNumber,
		DeviceString: info.DeviceString,
		SizeX:        info.SizeX,
		SizeY:        info.SizeY,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("marshal log header: %w", err)
	}
	if _, err := w.buf.Write(append(headerJSON, '\n')); err != nil {
		out.Close()
		return nil, fmt.Errorf("write log header: %w", err)
	}
	return w, nil
}

// Record appends one container to the log.
func (w *Writer) Record(c *dvs.PacketContainer) error {
	if c == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("event log writer is closed")
	}

	data := c.Bytes()
	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(data)))
	if _, err := w.buf.Write(frame[:]); err != nil {
		return fmt.Errorf("write container frame: %w", err)
	}
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("write container: %w", err)
	}
	w.containers++
	return nil
}

// Containers returns how many containers have been recorded.
func (w *Writer) Containers() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.containers
}

// Close flushes and closes the log. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		w.out.Close()
		return fmt.Errorf("flush event log: %w", err)
	}
	return w.out.Close()
}

// Reader iterates the containers of a log file in recorded order.
type Reader struct {
	in     io.Closer
	buf    *bufio.Reader
	header LogHeader
}

// OpenReader opens path and reads the log header.
func OpenReader(path string) (*Reader, error) {
	return OpenReaderFS(fsutil.OSFileSystem{}, path)
}

// OpenReaderFS is OpenReader against an explicit filesystem, for tests.
func OpenReaderFS(fs fsutil.FileSystem, path string) (*Reader, error) {
	if ext := filepath.Ext(path); ext != FileExtension {
		return nil, fmt.Errorf("event log must have %s extension, got %q", FileExtension, ext)
	}

	in, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	r := &Reader{in: in, buf: bufio.NewReader(in)}
	headerLine, err := r.buf.ReadBytes('\n')
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("read log header: %w", err)
	}
	if err := json.Unmarshal(headerLine, &r.header); err != nil {
		in.Close()
		return nil, fmt.Errorf("parse log header: %w", err)
	}
	return r, nil
}

// Header returns the metadata read from the start of the log.
func (r *Reader) Header() LogHeader { return r.header }

// Info reconstructs the recorded device's description from the header.
func (r *Reader) Info() dvs.DeviceInfo {
	return dvs.DeviceInfo{
		Master:       true,
		SerialNumber: r.header.SerialNumber,
		DeviceString: r.header.DeviceString,
		SizeX:        r.header.SizeX,
		SizeY:        r.header.SizeY,
	}
}

// Next returns the next recorded container, or io.EOF at the end of the log.
func (r *Reader) Next() (*dvs.PacketContainer, error) {
	var frame [4]byte
	if _, err := io.ReadFull(r.buf, frame[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read container frame: %w", err)
	}

	length := binary.LittleEndian.Uint32(frame[:])
	if length > maxContainerBytes {
		return nil, fmt.Errorf("container frame of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r.buf, data); err != nil {
		return nil, fmt.Errorf("read container body: %w", err)
	}
	return dvs.ParseContainer(data)
}

// Close releases the underlying file.
func (r *Reader) Close() error { return r.in.Close() }
