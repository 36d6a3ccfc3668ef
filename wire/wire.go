// Package wire holds the small protobuf-wire helpers shared by the transport
// envelope and the gossip messages.
//
// Messages are hand-encoded with protowire instead of generated code; the
// field numbers are documented in api/gossip/v1/messaging.proto so the bytes
// stay readable by any protobuf decoder.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned for any payload that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// AppendString appends a length-delimited string field.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited bytes field.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage appends an embedded message field. Unlike AppendBytes an
// empty message is still written, so repeated fields keep their count.
func AppendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

// AppendInt appends a varint field.
func AppendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

// Reader walks the fields of one encoded message.
//
//	r := wire.NewReader(b)
//	for r.Next() {
//		switch r.Field() {
//		case 1:
//			name = r.Text()
//		default:
//			r.Skip()
//		}
//	}
//	if err := r.Err(); err != nil { ... }
type Reader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Next advances to the next field. It returns false at the end of input or
// on the first error.
func (r *Reader) Next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return false
	}
	r.b = r.b[n:]
	r.num, r.typ = num, typ
	return true
}

func (r *Reader) Field() protowire.Number {
	return r.num
}

func (r *Reader) Int() int64 {
	if r.typ != protowire.VarintType {
		r.fail(fmt.Errorf("field %d: expected varint, got wire type %d", r.num, r.typ))
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return 0
	}
	r.b = r.b[n:]
	return int64(v)
}

// Bytes returns the raw field value. The slice aliases the input buffer.
func (r *Reader) Bytes() []byte {
	if r.typ != protowire.BytesType {
		r.fail(fmt.Errorf("field %d: expected bytes, got wire type %d", r.num, r.typ))
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *Reader) Text() string {
	return string(r.Bytes())
}

// Skip discards the current field; used for unknown field numbers.
func (r *Reader) Skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	if n < 0 {
		r.fail(protowire.ParseError(n))
		return
	}
	r.b = r.b[n:]
}

// Fail records a decoding error found by the caller, e.g. in a nested message.
func (r *Reader) Fail(err error) {
	r.fail(err)
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
