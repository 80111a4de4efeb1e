package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Wire format (all integers big-endian):
//
//	str   = u32 length | bytes
//	i64   = 8 bytes, signed
//	bytes = i64 length | bytes
//
// A frame is its tag (str) followed by the fields of its kind. Frames with a
// payload carry size:i64 immediately before the bytes field, and both are
// written from the same value.

// AppendHeader appends the encoded header of h to dst. For kinds with a
// payload the result ends with the payload length prefix, and the caller
// must follow it with exactly h.Size bytes.
func AppendHeader(dst []byte, h Header) []byte {
	dst = appendString(dst, string(h.Kind))
	switch h.Kind {
	case KindUploadFile:
		dst = appendString(dst, h.Filename)
		dst = appendString(dst, h.Timestamp)
		dst = appendBlobPrefix(dst, h.Size)
	case KindSendFile:
		dst = appendString(dst, h.Filename)
		dst = appendBlobPrefix(dst, h.Size)
	case KindNewFile, KindOverride, KindLegacyNewFile:
		dst = appendString(dst, h.Filename)
		dst = appendString(dst, h.Timestamp)
	case KindSendMeFile, KindFileNotFound:
		dst = appendString(dst, h.Filename)
	}
	return dst
}

// Append appends the complete encoding of m to dst.
func Append(dst []byte, m Message) []byte {
	dst = AppendHeader(dst, m.header())
	return append(dst, m.payload()...)
}

// Write encodes m and writes it to w.
func Write(w io.Writer, m Message) error {
	return WriteFull(w, Append(nil, m))
}

// WriteFull writes all of p to w. A writer that accepts fewer bytes without
// reporting an error is retried with the remainder.
func WriteFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil && !(errors.Is(err, io.ErrShortWrite) && n > 0) {
			return err
		}
	}
	return nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

func appendInt64(dst []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(dst, uint64(v))
}

// appendBlobPrefix writes the size field and the bytes length prefix from a
// single value so the two can never disagree.
func appendBlobPrefix(dst []byte, size int64) []byte {
	dst = appendInt64(dst, size)
	return appendInt64(dst, size)
}

// DecodeHeader decodes a frame header from the start of buf. It returns the
// number of bytes consumed; payload bytes are not part of that count.
// ErrIncomplete means buf holds only a prefix of a header.
//
// An unrecognised tag yields a Header whose Kind is the raw tag and consumes
// only the tag.
func DecodeHeader(buf []byte) (Header, int, error) {
	d := decoder{buf: buf}
	h := Header{Kind: Kind(d.str())}
	switch h.Kind {
	case KindUploadFile:
		h.Filename = d.str()
		h.Timestamp = d.str()
		h.Size = d.blobPrefix()
	case KindSendFile:
		h.Filename = d.str()
		h.Size = d.blobPrefix()
	case KindNewFile, KindOverride, KindLegacyNewFile:
		h.Filename = d.str()
		h.Timestamp = d.str()
	case KindSendMeFile, KindFileNotFound:
		h.Filename = d.str()
	}
	if d.err != nil {
		return Header{}, 0, d.err
	}
	return h, d.off, nil
}

// Decode decodes one complete frame from the start of buf and returns the
// message and the number of bytes consumed. ErrIncomplete means buf must be
// extended with more bytes from the stream before trying again.
func Decode(buf []byte) (Message, int, error) {
	h, n, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if h.HasPayload() {
		if int64(len(buf)-n) < h.Size {
			return nil, 0, ErrIncomplete
		}
		data := make([]byte, h.Size)
		n += copy(data, buf[n:])
		return FromHeader(h, data), n, nil
	}
	return FromHeader(h, nil), n, nil
}

// FromHeader builds the message described by h with the given payload.
func FromHeader(h Header, data []byte) Message {
	switch h.Kind {
	case KindUploadFile:
		return UploadFile{Filename: h.Filename, Timestamp: h.Timestamp, Data: data}
	case KindSendMeFile:
		return SendMeFile{Filename: h.Filename}
	case KindSendFile:
		return SendFile{Filename: h.Filename, Data: data}
	case KindNewFile, KindLegacyNewFile:
		return NewFile{Filename: h.Filename, Timestamp: h.Timestamp}
	case KindOverride:
		return Override{Filename: h.Filename, Timestamp: h.Timestamp}
	case KindFileNotFound:
		return FileNotFound{Filename: h.Filename}
	}
	return Unknown{Tag: string(h.Kind)}
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf)-d.off < n {
		d.err = ErrIncomplete
		return false
	}
	return true
}

func (d *decoder) str() string {
	if !d.need(4) {
		return ""
	}
	n := binary.BigEndian.Uint32(d.buf[d.off:])
	if n > MaxStringLen {
		d.err = fmt.Errorf("%w: string length %d exceeds %d", ErrMalformed, n, MaxStringLen)
		return ""
	}
	if !d.need(4 + int(n)) {
		return ""
	}
	s := string(d.buf[d.off+4 : d.off+4+int(n)])
	if !utf8.ValidString(s) {
		d.err = fmt.Errorf("%w: string is not valid UTF-8", ErrMalformed)
		return ""
	}
	d.off += 4 + int(n)
	return s
}

func (d *decoder) i64() int64 {
	if !d.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v
}

func (d *decoder) blobPrefix() int64 {
	size := d.i64()
	length := d.i64()
	if d.err != nil {
		return 0
	}
	if size < 0 || length < 0 {
		d.err = fmt.Errorf("%w: negative size %d", ErrMalformed, size)
		return 0
	}
	if size != length {
		d.err = fmt.Errorf("%w: size %d, payload %d", ErrSizeMismatch, size, length)
		return 0
	}
	return size
}
