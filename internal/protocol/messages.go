// Package protocol implements the FileHub wire format: tagged frames carried
// over a persistent TCP connection.
package protocol

import (
	"errors"
	"time"
)

// Kind is the tag that starts every frame.
type Kind string

const (
	KindUploadFile   Kind = "UPLOAD_FILE"
	KindSendMeFile   Kind = "SEND_ME_FILE"
	KindSendFile     Kind = "SEND_FILE_FOR_U"
	KindNewFile      Kind = "NEW_FILE"
	KindOverride     Kind = "OVERRIDE"
	KindFileNotFound Kind = "FILE_NOT_FOUND"

	// KindLegacyNewFile is sent by early servers instead of NEW_FILE.
	KindLegacyNewFile Kind = "ADD_NEW_FILE_TO_TABLE"
)

const (
	// MaxStringLen bounds every str field. Longer declarations mean the
	// stream is out of sync.
	MaxStringLen = 64 * 1024

	// TimeLayout is the layout of timestamp fields.
	TimeLayout = time.RFC3339Nano
)

var (
	// ErrIncomplete means more bytes are needed to decode the frame.
	ErrIncomplete = errors.New("protocol: incomplete frame")

	// ErrMalformed means the bytes cannot be a valid frame.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrSizeMismatch means a frame's size field disagrees with the length
	// prefix of its byte payload.
	ErrSizeMismatch = errors.New("protocol: size does not match payload length")

	// ErrConnectionLost means the peer went away in the middle of a frame.
	ErrConnectionLost = errors.New("protocol: connection lost")
)

// Known reports whether k is a tag this package can decode fields for.
func Known(k Kind) bool {
	switch k {
	case KindUploadFile, KindSendMeFile, KindSendFile, KindNewFile,
		KindOverride, KindFileNotFound, KindLegacyNewFile:
		return true
	}
	return false
}

// Header is a decoded frame without its byte payload. Size is the number of
// payload bytes that follow the header on the wire and is zero for kinds
// that carry no payload.
type Header struct {
	Kind      Kind
	Filename  string
	Timestamp string
	Size      int64
}

// HasPayload reports whether frames of this kind end with a byte blob.
func (h Header) HasPayload() bool {
	return h.Kind == KindUploadFile || h.Kind == KindSendFile
}

// Message is one complete frame.
type Message interface {
	Kind() Kind
	header() Header
	payload() []byte
}

// UploadFile asks the server to store Data under Filename.
type UploadFile struct {
	Filename  string
	Timestamp string
	Data      []byte
}

// SendMeFile asks the server for the contents of Filename.
type SendMeFile struct {
	Filename string
}

// SendFile is the server's answer to SendMeFile. Empty Data means the file
// was not found (or is empty).
type SendFile struct {
	Filename string
	Data     []byte
}

// NewFile announces a catalog entry that did not exist before.
type NewFile struct {
	Filename  string
	Timestamp string
}

// Override announces a catalog entry that replaced an existing one.
type Override struct {
	Filename  string
	Timestamp string
}

// FileNotFound is the explicit negative answer to SendMeFile.
type FileNotFound struct {
	Filename string
}

// Unknown is a frame whose tag is not recognised. Only the tag is consumed.
type Unknown struct {
	Tag string
}

func (UploadFile) Kind() Kind   { return KindUploadFile }
func (SendMeFile) Kind() Kind   { return KindSendMeFile }
func (SendFile) Kind() Kind     { return KindSendFile }
func (NewFile) Kind() Kind      { return KindNewFile }
func (Override) Kind() Kind     { return KindOverride }
func (FileNotFound) Kind() Kind { return KindFileNotFound }
func (m Unknown) Kind() Kind    { return Kind(m.Tag) }

func (m UploadFile) header() Header {
	return Header{Kind: KindUploadFile, Filename: m.Filename, Timestamp: m.Timestamp, Size: int64(len(m.Data))}
}
func (m SendMeFile) header() Header { return Header{Kind: KindSendMeFile, Filename: m.Filename} }
func (m SendFile) header() Header {
	return Header{Kind: KindSendFile, Filename: m.Filename, Size: int64(len(m.Data))}
}
func (m NewFile) header() Header {
	return Header{Kind: KindNewFile, Filename: m.Filename, Timestamp: m.Timestamp}
}
func (m Override) header() Header {
	return Header{Kind: KindOverride, Filename: m.Filename, Timestamp: m.Timestamp}
}
func (m FileNotFound) header() Header { return Header{Kind: KindFileNotFound, Filename: m.Filename} }
func (m Unknown) header() Header      { return Header{Kind: Kind(m.Tag)} }

func (m UploadFile) payload() []byte { return m.Data }
func (m SendFile) payload() []byte   { return m.Data }
func (SendMeFile) payload() []byte   { return nil }
func (NewFile) payload() []byte      { return nil }
func (Override) payload() []byte     { return nil }
func (FileNotFound) payload() []byte { return nil }
func (Unknown) payload() []byte      { return nil }

// FormatTime renders t the way timestamp fields carry it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp field.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
