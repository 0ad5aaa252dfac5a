package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, f))
	got, err := Decoder{}.Decode(&buf)
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), "decoder left bytes unread")
	return got
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestTextRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 1023, 64 << 10, 64<<10 + 1, 300 << 10} {
		body := randomBytes(t, size)
		got := roundTrip(t, Text{Body: body})

		text, ok := got.(Text)
		require.True(t, ok, "got %T", got)
		assert.Equal(t, len(body), len(text.Body))
		assert.True(t, bytes.Equal(body, text.Body), "size %d", size)
	}
}

func TestTextHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, []byte("hi")))

	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 2, 'h', 'i'}, buf.Bytes())
}

func TestFileRoundTrip(t *testing.T) {
	data := randomBytes(t, 2500)
	got := roundTrip(t, File{Name: "report.pdf", Data: data})

	file, ok := got.(File)
	require.True(t, ok)
	assert.Equal(t, "report.pdf", file.Name)
	assert.Equal(t, uint64(2500), file.Size())
	assert.Equal(t, data, file.Data)
}

func TestFileHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, File{Name: "a", Data: []byte{0xff}}))

	want := []byte{1, 0, 1, 'a', 0, 0, 0, 0, 0, 0, 0, 1, 0xff}
	assert.Equal(t, want, buf.Bytes())
}

func TestDirectoryRoundTrip(t *testing.T) {
	dir := Directory{Entries: []Entry{
		{Path: "a.txt", Data: []byte("alpha")},
		{Path: "docs/empty", Data: []byte{}},
		{Path: "docs/nested/bin.dat", Data: randomBytes(t, 70<<10)},
		{Path: "z/ünïcode.md", Data: []byte("# title\n")},
	}}

	got, ok := roundTrip(t, dir).(Directory)
	require.True(t, ok)
	require.Len(t, got.Entries, len(dir.Entries))
	for i, e := range dir.Entries {
		assert.Equal(t, e.Path, got.Entries[i].Path)
		assert.True(t, bytes.Equal(e.Data, got.Entries[i].Data), "entry %s", e.Path)
	}
	assert.Equal(t, dir.TotalSize(), got.TotalSize())
}

func TestEmptyDirectoryRoundTrip(t *testing.T) {
	got, ok := roundTrip(t, Directory{}).(Directory)
	require.True(t, ok)
	assert.Empty(t, got.Entries)
}

func TestHelloRoundTrip(t *testing.T) {
	got := roundTrip(t, Hello{Host: "192.168.1.7", Port: 5001})
	assert.Equal(t, Hello{Host: "192.168.1.7", Port: 5001}, got)
}

func TestDecodeSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Hello{Host: "h", Port: 1}))
	require.NoError(t, Encode(&buf, Text{Body: []byte("one")}))
	require.NoError(t, Encode(&buf, Text{Body: []byte("two")}))

	dec := Decoder{}
	var tags []Tag
	for {
		f, err := dec.Decode(&buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		tags = append(tags, f.Tag())
	}
	assert.Equal(t, []Tag{TagHello, TagText, TagText}, tags)
}

func TestDecodeCleanEOF(t *testing.T) {
	_, err := Decoder{}.Decode(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decoder{}.Decode(bytes.NewReader([]byte{9, 0, 0}))
	assert.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeTruncated(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, Encode(&full, Directory{Entries: []Entry{
		{Path: "x", Data: []byte("0123456789")},
		{Path: "y", Data: []byte("abc")},
	}}))
	raw := full.Bytes()

	for cut := 1; cut < len(raw); cut++ {
		_, err := Decoder{}.Decode(bytes.NewReader(raw[:cut]))
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
	}
}

func TestDecodeRejectsOversizeLength(t *testing.T) {
	hdr := make([]byte, 9)
	hdr[0] = byte(TagText)
	binary.BigEndian.PutUint64(hdr[1:], 1<<40)

	_, err := Decoder{}.Decode(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, ErrTooLarge)

	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, make([]byte, 100)))
	_, err = Decoder{MaxPayload: 99}.Decode(&buf)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeRejectsTooManyEntries(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDirectoryHeader(&buf, 5))

	_, err := Decoder{MaxEntries: 4}.Decode(&buf)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestEncodeRejectsLongName(t *testing.T) {
	long := string(bytes.Repeat([]byte("n"), 1<<16))
	err := Encode(io.Discard, File{Name: long})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeRejectsOversizeDirectory(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Directory{Entries: []Entry{
		{Path: "a", Data: make([]byte, 60)},
		{Path: "b", Data: make([]byte, 60)},
	}}))

	_, err := Decoder{MaxPayload: 100, MaxFrame: 100}.Decode(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrTooLarge)

	dir, err := Decoder{MaxPayload: 100, MaxFrame: 120}.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, uint64(120), dir.(Directory).TotalSize())
}

// failingReader returns its bytes and then err.
type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestDecodeResetInsideFrameIsTruncation(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, make([]byte, 100)))

	for _, cut := range []int{1, 5, 9, 50} {
		_, err := Decoder{}.Decode(&failingReader{data: buf.Bytes()[:cut], err: syscall.ECONNRESET})
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
		assert.NotErrorIs(t, err, syscall.ECONNRESET, "cut at %d", cut)
	}

	_, err := Decoder{}.Decode(&failingReader{err: syscall.ECONNRESET})
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.NotErrorIs(t, err, ErrTruncated)
}
