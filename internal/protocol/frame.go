// Package protocol implements the length-prefixed framing used on peer
// connections. Every frame starts with a one byte tag followed by a
// fixed layout of big-endian length fields, so a reader always knows where
// a payload ends without waiting for the sender to close the connection.
package protocol

import "fmt"

// Tag identifies the frame variant on the wire.
type Tag uint8

const (
	TagText      Tag = 0
	TagFile      Tag = 1
	TagDirectory Tag = 2
	TagHello     Tag = 3
)

func (t Tag) String() string {
	switch t {
	case TagText:
		return "text"
	case TagFile:
		return "file"
	case TagDirectory:
		return "directory"
	case TagHello:
		return "hello"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

const (
	maxNameLen = 1<<16 - 1
	maxEntries = 1<<32 - 1
)

// Frame is one self-delimited unit of application data.
type Frame interface {
	Tag() Tag
	frame()
}

// Text is a chat message.
type Text struct {
	Body []byte
}

// File carries a single named file.
type File struct {
	Name string
	Data []byte
}

// Size is the declared payload length.
func (f File) Size() uint64 { return uint64(len(f.Data)) }

// Entry is one file of a Directory, with a slash-separated path relative
// to the directory root.
type Entry struct {
	Path string
	Data []byte
}

func (e Entry) Size() uint64 { return uint64(len(e.Data)) }

// Directory carries a whole tree as an ordered list of entries.
type Directory struct {
	Entries []Entry
}

// TotalSize sums the data length of every entry.
func (d Directory) TotalSize() uint64 {
	var n uint64
	for _, e := range d.Entries {
		n += e.Size()
	}
	return n
}

// Hello opens an outbound connection and names the address the sender
// accepts connections on.
type Hello struct {
	Host string
	Port uint16
}

func (Text) Tag() Tag      { return TagText }
func (File) Tag() Tag      { return TagFile }
func (Directory) Tag() Tag { return TagDirectory }
func (Hello) Tag() Tag     { return TagHello }

func (Text) frame()      {}
func (File) frame()      {}
func (Directory) frame() {}
func (Hello) frame()     {}
