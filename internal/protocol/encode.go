package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Encode writes a complete in-memory frame.
func Encode(w io.Writer, f Frame) error {
	switch v := f.(type) {
	case Text:
		return WriteText(w, v.Body)
	case *Text:
		return WriteText(w, v.Body)
	case File:
		if err := WriteFileHeader(w, v.Name, v.Size()); err != nil {
			return err
		}
		return writeAll(w, v.Data)
	case *File:
		return Encode(w, *v)
	case Directory:
		if err := WriteDirectoryHeader(w, len(v.Entries)); err != nil {
			return err
		}
		for _, e := range v.Entries {
			if err := WriteEntryHeader(w, e.Path, e.Size()); err != nil {
				return err
			}
			if err := writeAll(w, e.Data); err != nil {
				return err
			}
		}
		return nil
	case *Directory:
		return Encode(w, *v)
	case Hello:
		return WriteHello(w, v.Host, v.Port)
	case *Hello:
		return WriteHello(w, v.Host, v.Port)
	}
	return fmt.Errorf("%w: cannot encode %T", ErrUnknownTag, f)
}

// WriteText writes a Text frame.
func WriteText(w io.Writer, body []byte) error {
	var hdr [9]byte
	hdr[0] = byte(TagText)
	binary.BigEndian.PutUint64(hdr[1:], uint64(len(body)))
	if err := writeAll(w, hdr[:]); err != nil {
		return err
	}
	return writeAll(w, body)
}

// WriteFileHeader writes everything of a FileTransfer frame except the data.
// The caller must follow it with exactly size bytes.
func WriteFileHeader(w io.Writer, name string, size uint64) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagFile))
	if err := putString(&buf, name); err != nil {
		return fmt.Errorf("file name: %w", err)
	}
	putUint64(&buf, size)
	return writeAll(w, buf.Bytes())
}

// WriteDirectoryHeader writes the tag and entry count of a DirectoryTransfer
// frame. Exactly count entries must follow, each written with WriteEntryHeader
// and its data.
func WriteDirectoryHeader(w io.Writer, count int) error {
	if count < 0 || uint64(count) > maxEntries {
		return fmt.Errorf("%w: %d directory entries", ErrTooLarge, count)
	}
	var hdr [5]byte
	hdr[0] = byte(TagDirectory)
	binary.BigEndian.PutUint32(hdr[1:], uint32(count))
	return writeAll(w, hdr[:])
}

// WriteEntryHeader writes the path and data length of one directory entry.
func WriteEntryHeader(w io.Writer, path string, size uint64) error {
	var buf bytes.Buffer
	if err := putString(&buf, path); err != nil {
		return fmt.Errorf("entry path: %w", err)
	}
	putUint64(&buf, size)
	return writeAll(w, buf.Bytes())
}

// WriteHello writes the connection preamble.
func WriteHello(w io.Writer, host string, port uint16) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagHello))
	if err := putString(&buf, host); err != nil {
		return fmt.Errorf("hello host: %w", err)
	}
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	buf.Write(p[:])
	return writeAll(w, buf.Bytes())
}

func putString(buf *bytes.Buffer, s string) error {
	if len(s) > maxNameLen {
		return fmt.Errorf("%w: %d byte string", ErrTooLarge, len(s))
	}
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
	return nil
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	buf.Write(n[:])
}

func writeAll(w io.Writer, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}
