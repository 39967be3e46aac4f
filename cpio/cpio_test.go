package cpio

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testEntry struct {
	name string
	mode uint32
	data string
}

func writeArchive(t *testing.T, entries []testEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, w.WriteHeader(&Header{
			Name:  e.name,
			Mode:  e.mode,
			Size:  int64(len(e.data)),
			Mtime: 1700000000,
		}))
		_, err := io.WriteString(w, e.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestWriterReaderRoundTrip(t *testing.T) {
	entries := []testEntry{
		{"./usr", TypeDir | 0755, ""},
		{"./usr/bin/hello", TypeRegular | 0755, "#!/bin/sh\necho hello\n"},
		{"./usr/bin/hi", TypeSymlink | 0777, "hello"},
		{"./etc/empty.conf", TypeRegular | 0644, ""},
	}
	archive := writeArchive(t, entries)
	assert.Equal(t, MagicNewc, string(archive[:6]))
	assert.Zero(t, len(archive)%4)

	r := NewReader(bytes.NewReader(archive))
	for _, want := range entries {
		h, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want.name, h.Name)
		assert.Equal(t, want.mode, h.Mode)
		assert.EqualValues(t, 1700000000, h.Mtime)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, want.data, string(data))
	}
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)
	assert.EqualValues(t, len(archive), r.Offset())
}

func TestReaderSkipsUnreadData(t *testing.T) {
	archive := writeArchive(t, []testEntry{
		{"a", TypeRegular | 0644, "first file contents"},
		{"b", TypeRegular | 0644, "second"},
	})
	r := NewReader(bytes.NewReader(archive))
	_, err := r.Next()
	require.NoError(t, err)
	h, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "b", h.Name)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriterAssignsInodesAndLinks(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(&Header{Name: "d", Mode: TypeDir | 0755}))
	require.NoError(t, w.WriteHeader(&Header{Name: "f", Mode: TypeRegular | 0644}))
	require.NoError(t, w.Close())

	r := NewReader(&buf)
	d, err := r.Next()
	require.NoError(t, err)
	f, err := r.Next()
	require.NoError(t, err)
	assert.NotEqual(t, d.Inode, f.Inode)
	assert.EqualValues(t, 2, d.Nlink)
	assert.EqualValues(t, 1, f.Nlink)
}

func TestWriterSizeEnforced(t *testing.T) {
	w := NewWriter(io.Discard)
	require.NoError(t, w.WriteHeader(&Header{Name: "f", Mode: TypeRegular, Size: 2}))
	n, err := w.Write([]byte("abc"))
	assert.Equal(t, 2, n)
	assert.Equal(t, ErrWriteTooLong, err)

	w = NewWriter(io.Discard)
	require.NoError(t, w.WriteHeader(&Header{Name: "f", Mode: TypeRegular, Size: 4}))
	_, err = w.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, ErrShortWrite, errors.Cause(w.Close()))
}

func TestReaderRejectsBadMagic(t *testing.T) {
	r := NewReader(bytes.NewReader(bytes.Repeat([]byte("x"), headerLen)))
	_, err := r.Next()
	assert.Equal(t, ErrBadHeader, errors.Cause(err))
}

func TestReaderTruncated(t *testing.T) {
	archive := writeArchive(t, []testEntry{{"a", TypeRegular | 0644, "some data here"}})
	r := NewReader(bytes.NewReader(archive[:headerLen+4]))
	_, err := r.Next()
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func crcEntry(name, data string, check uint32) string {
	nameSize := len(name) + 1
	hdr := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		MagicCRC, 1, TypeRegular|0644, 0, 0, 1, 0, len(data), 0, 0, 0, 0, nameSize, check)
	hdr += name + "\x00" + string(make([]byte, pad(int64(headerLen+nameSize))))
	return hdr + data + string(make([]byte, pad(int64(len(data)))))
}

func TestReaderVerifiesCRC(t *testing.T) {
	data := "abc"
	good := crcEntry("f", data, 'a'+'b'+'c') + crcEntry(Trailer, "", 0)
	r := NewReader(bytes.NewReader([]byte(good)))
	_, err := r.Next()
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, string(got))

	bad := crcEntry("f", data, 1) + crcEntry(Trailer, "", 0)
	r = NewReader(bytes.NewReader([]byte(bad)))
	_, err = r.Next()
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.Equal(t, ErrChecksum, err)
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(rt, "entries")
		names := make([]string, n)
		payloads := make([][]byte, n)
		var buf bytes.Buffer
		w := NewWriter(&buf)
		for i := 0; i < n; i++ {
			names[i] = rapid.StringMatching(`[a-z0-9_./-]{1,40}`).Draw(rt, "name")
			payloads[i] = rapid.SliceOfN(rapid.Byte(), 0, 300).Draw(rt, "data")
			if err := w.WriteHeader(&Header{Name: names[i], Mode: TypeRegular | 0644, Size: int64(len(payloads[i]))}); err != nil {
				rt.Fatal(err)
			}
			if _, err := w.Write(payloads[i]); err != nil {
				rt.Fatal(err)
			}
		}
		if err := w.Close(); err != nil {
			rt.Fatal(err)
		}
		r := NewReader(&buf)
		for i := 0; i < n; i++ {
			h, err := r.Next()
			if err != nil {
				rt.Fatal(err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				rt.Fatal(err)
			}
			if h.Name != names[i] || !bytes.Equal(got, payloads[i]) {
				rt.Fatalf("entry %d mismatch: %q", i, h.Name)
			}
		}
		if _, err := r.Next(); err != io.EOF {
			rt.Fatalf("expected EOF, got %v", err)
		}
	})
}
