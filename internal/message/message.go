// Package message implements the framed binary request/reply wire
// protocol: a fixed little-endian header followed by a body of
// concatenated per-operation payloads, with optional "send-attached"
// bulk buffers streamed after the body.
//
// Framing on the wire:
//
//	+----------+----------+----------+-----------+----------------+
//	| type:u32 | flags:u32| count:u32 | body_len:u64 | body[body_len] |
//	+----------+----------+----------+-----------+----------------+
//	followed by 0..count length-prefixed attachment buffers, in the
//	order they appear in Message.Attachments.
package message

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Type identifies the kind of operation a message carries.
type Type uint32

const (
	TypePing Type = iota
	TypeStatistics

	TypeObjectCreate
	TypeObjectDelete
	TypeObjectRead
	TypeObjectWrite
	TypeObjectStatus
	TypeObjectSync
	TypeObjectGetAll
	TypeObjectGetByPrefix

	TypeKVPut
	TypeKVDelete
	TypeKVGet
	TypeKVGetAll
	TypeKVGetByPrefix

	TypeDBSchemaCreate
	TypeDBSchemaGet
	TypeDBSchemaDelete
	TypeDBInsert
	TypeDBUpdate
	TypeDBDelete
	TypeDBQuery
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypeStatistics:
		return "STATISTICS"
	case TypeObjectCreate:
		return "OBJECT_CREATE"
	case TypeObjectDelete:
		return "OBJECT_DELETE"
	case TypeObjectRead:
		return "OBJECT_READ"
	case TypeObjectWrite:
		return "OBJECT_WRITE"
	case TypeObjectStatus:
		return "OBJECT_STATUS"
	case TypeObjectSync:
		return "OBJECT_SYNC"
	case TypeObjectGetAll:
		return "OBJECT_GET_ALL"
	case TypeObjectGetByPrefix:
		return "OBJECT_GET_BY_PREFIX"
	case TypeKVPut:
		return "KV_PUT"
	case TypeKVDelete:
		return "KV_DELETE"
	case TypeKVGet:
		return "KV_GET"
	case TypeKVGetAll:
		return "KV_GET_ALL"
	case TypeKVGetByPrefix:
		return "KV_GET_BY_PREFIX"
	case TypeDBSchemaCreate:
		return "DB_SCHEMA_CREATE"
	case TypeDBSchemaGet:
		return "DB_SCHEMA_GET"
	case TypeDBSchemaDelete:
		return "DB_SCHEMA_DELETE"
	case TypeDBInsert:
		return "DB_INSERT"
	case TypeDBUpdate:
		return "DB_UPDATE"
	case TypeDBDelete:
		return "DB_DELETE"
	case TypeDBQuery:
		return "DB_QUERY"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

// Flags is a bitmask carried in the header's modifier field.
type Flags uint32

const (
	// FlagReply marks a message as a reply; replies carry the
	// originating request's Type with FlagReply set.
	FlagReply Flags = 1 << iota
	// FlagSafetyNetwork marks a request as requiring the server to
	// have received the data before replying.
	FlagSafetyNetwork
	// FlagSafetyStorage marks a request as requiring the server to
	// have made the data durable before replying.
	FlagSafetyStorage
)

// RequiresReply reports whether the flags mandate a reply: SAFETY_NETWORK
// or SAFETY_STORAGE does; plain NONE safety does not.
func (f Flags) RequiresReply() bool {
	return f&(FlagSafetyNetwork|FlagSafetyStorage) != 0
}

// Header is the fixed-size prefix of every message.
type Header struct {
	Type    Type
	Flags   Flags
	Count   uint32
	BodyLen uint64
}

const headerSize = 4 + 4 + 4 + 8

// Message is a fully decoded request or reply: a header, a body of
// concatenated per-operation payloads, and zero or more send-attached
// buffers streamed after the body.
type Message struct {
	Header      Header
	Body        []byte
	Attachments [][]byte
}

// NewReply builds an empty reply message for the given request type,
// setting FlagReply and copying forward the request's safety bits so
// the client can tell which safety class produced this reply.
func NewReply(reqType Type, reqFlags Flags, count uint32) *Message {
	return &Message{Header: Header{
		Type:  reqType,
		Flags: reqFlags | FlagReply,
		Count: count,
	}}
}

// WriteTo serializes m to w: header, body, then each attachment
// length-prefixed with a uint64.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	m.Header.BodyLen = uint64(len(m.Body))

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.Header.Type))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.Header.Flags))
	binary.LittleEndian.PutUint32(hdr[8:12], m.Header.Count)
	binary.LittleEndian.PutUint64(hdr[12:20], m.Header.BodyLen)

	bw := bufio.NewWriter(w)
	var n int64
	if k, err := bw.Write(hdr[:]); err != nil {
		return int64(k), err
	} else {
		n += int64(k)
	}
	if k, err := bw.Write(m.Body); err != nil {
		return n + int64(k), err
	} else {
		n += int64(k)
	}
	for _, a := range m.Attachments {
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(a)))
		if k, err := bw.Write(lenBuf[:]); err != nil {
			return n + int64(k), err
		} else {
			n += int64(k)
		}
		if k, err := bw.Write(a); err != nil {
			return n + int64(k), err
		} else {
			n += int64(k)
		}
	}
	if err := bw.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

// ReadMessage decodes a header and body from r. Attachments are not
// read automatically: the caller knows from the message Type and Count
// how many attachments to expect and reads them with ReadAttachment, so
// that a server can stream an attachment straight into a scratch buffer
// instead of allocating it here.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("message: read header: %w", err)
	}

	h := Header{
		Type:  Type(binary.LittleEndian.Uint32(hdr[0:4])),
		Flags: Flags(binary.LittleEndian.Uint32(hdr[4:8])),
		Count: binary.LittleEndian.Uint32(hdr[8:12]),
	}
	h.BodyLen = binary.LittleEndian.Uint64(hdr[12:20])

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("message: read body (%d bytes): %w", h.BodyLen, err)
	}

	return &Message{Header: h, Body: body}, nil
}

// ReadAttachment reads one length-prefixed attachment from r.
func ReadAttachment(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("message: read attachment length: %w", err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("message: read attachment (%d bytes): %w", n, err)
	}
	return buf, nil
}
