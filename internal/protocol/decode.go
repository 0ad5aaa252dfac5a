package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrUnknownTag = errors.New("unknown frame tag")
	ErrTooLarge   = errors.New("declared length exceeds limit")
	ErrTruncated  = errors.New("truncated frame")
)

const (
	DefaultMaxPayload = 1 << 30
	DefaultMaxEntries = 1 << 16
	DefaultMaxFrame   = 1 << 30
)

// Decoder reads frames and enforces size limits on declared lengths.
// The zero value uses the default limits.
type Decoder struct {
	// MaxPayload bounds a single text body, file or directory entry.
	MaxPayload uint64
	// MaxEntries bounds the entry count of a directory frame.
	MaxEntries uint32
	// MaxFrame bounds the summed entry sizes of a directory frame.
	MaxFrame uint64
}

// Decode reads exactly one frame from r. It returns io.EOF only when r ends
// cleanly before the first byte of a frame. Any read error after the tag
// byte, a reset included, yields ErrTruncated.
func (d Decoder) Decode(r io.Reader) (Frame, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	switch Tag(tag[0]) {
	case TagText:
		body, err := d.readPayload(r, d.maxPayload())
		if err != nil {
			return nil, fmt.Errorf("text: %w", err)
		}
		return Text{Body: body}, nil

	case TagFile:
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("file name: %w", err)
		}
		data, err := d.readPayload(r, d.maxPayload())
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", name, err)
		}
		return File{Name: name, Data: data}, nil

	case TagDirectory:
		var n [4]byte
		if err := readFull(r, n[:]); err != nil {
			return nil, fmt.Errorf("directory count: %w", err)
		}
		count := binary.BigEndian.Uint32(n[:])
		if count > d.maxEntries() {
			return nil, fmt.Errorf("%w: %d directory entries", ErrTooLarge, count)
		}
		dir := Directory{Entries: make([]Entry, 0, count)}
		remaining := d.maxFrame()
		for i := uint32(0); i < count; i++ {
			path, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("directory entry %d path: %w", i, err)
			}
			data, err := d.readPayload(r, min(d.maxPayload(), remaining))
			if err != nil {
				return nil, fmt.Errorf("directory entry %q: %w", path, err)
			}
			remaining -= uint64(len(data))
			dir.Entries = append(dir.Entries, Entry{Path: path, Data: data})
		}
		return dir, nil

	case TagHello:
		host, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("hello host: %w", err)
		}
		var p [2]byte
		if err := readFull(r, p[:]); err != nil {
			return nil, fmt.Errorf("hello port: %w", err)
		}
		return Hello{Host: host, Port: binary.BigEndian.Uint16(p[:])}, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag[0])
}

// readPayload reads a u64 length of at most limit and then that many bytes.
// The buffer grows as data arrives, so a bogus length on a short stream
// costs nothing.
func (d Decoder) readPayload(r io.Reader, limit uint64) ([]byte, error) {
	var n [8]byte
	if err := readFull(r, n[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint64(n[:])
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	if size == 0 {
		return []byte{}, nil
	}

	var buf bytes.Buffer
	if size <= 64<<10 {
		buf.Grow(int(size))
	}
	copied, err := io.CopyN(&buf, r, int64(size))
	if err != nil {
		return nil, fmt.Errorf("%w: got %d of %d bytes: %v", ErrTruncated, copied, size, cause(err))
	}
	return buf.Bytes(), nil
}

func (d Decoder) maxPayload() uint64 {
	if d.MaxPayload == 0 {
		return DefaultMaxPayload
	}
	return d.MaxPayload
}

func (d Decoder) maxFrame() uint64 {
	if d.MaxFrame == 0 {
		return DefaultMaxFrame
	}
	return d.MaxFrame
}

func (d Decoder) maxEntries() uint32 {
	if d.MaxEntries == 0 {
		return DefaultMaxEntries
	}
	return d.MaxEntries
}

func readString(r io.Reader) (string, error) {
	var n [2]byte
	if err := readFull(r, n[:]); err != nil {
		return "", err
	}
	b := make([]byte, binary.BigEndian.Uint16(n[:]))
	if err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// readFull is io.ReadFull for reads past the tag byte, where any error means
// the frame was cut short.
func readFull(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncated, cause(err))
	}
	return nil
}

// cause keeps the underlying error text but never lets EOF or a reset leak
// into the chain, where it would read as a clean close.
func cause(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
