package securechannel

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frames are encoded in protobuf wire format. Field 1 is always the kind.
type Kind uint8

const (
	KindHello    Kind = 1
	KindRequest  Kind = 2
	KindResponse Kind = 3
)

var ErrMalformed = errors.New("malformed frame")

const fieldKind protowire.Number = 1

// Hello opens a session. It is sent in clear right after the link is up.
type Hello struct {
	LeaseTokenID uuid.UUID
	LeaseID      uuid.UUID
	Blob         []byte
	Counter      int
}

// Request asks the vehicle to execute a service grant.
type Request struct {
	GrantID uint16
}

// Response is the vehicle's answer to a Request.
type Response struct {
	SorcID  uuid.UUID
	GrantID uint16
	Status  uint8
	Data    string
}

func (h Hello) MarshalBinary() ([]byte, error) {
	b := appendKind(nil, KindHello)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, h.LeaseTokenID[:])
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, h.LeaseID[:])
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Blob)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Counter))
	return b, nil
}

func (r Request) MarshalBinary() ([]byte, error) {
	b := appendKind(nil, KindRequest)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.GrantID))
	return b, nil
}

func (r Response) MarshalBinary() ([]byte, error) {
	b := appendKind(nil, KindResponse)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, r.SorcID[:])
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.GrantID))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Status))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, r.Data)
	return b, nil
}

func (h *Hello) UnmarshalBinary(b []byte) error {
	return decode(b, KindHello, func(num protowire.Number, v field) error {
		var err error
		switch num {
		case 2:
			h.LeaseTokenID, err = v.uuid()
		case 3:
			h.LeaseID, err = v.uuid()
		case 4:
			h.Blob = append([]byte(nil), v.bytes...)
		case 5:
			h.Counter = int(v.varint)
		}
		return err
	})
}

func (r *Request) UnmarshalBinary(b []byte) error {
	return decode(b, KindRequest, func(num protowire.Number, v field) error {
		if num == 2 {
			return v.uint16(&r.GrantID)
		}
		return nil
	})
}

func (r *Response) UnmarshalBinary(b []byte) error {
	return decode(b, KindResponse, func(num protowire.Number, v field) error {
		var err error
		switch num {
		case 2:
			r.SorcID, err = v.uuid()
		case 3:
			err = v.uint16(&r.GrantID)
		case 4:
			if v.varint > 0xff {
				return fmt.Errorf("%w: status %d", ErrMalformed, v.varint)
			}
			r.Status = uint8(v.varint)
		case 5:
			r.Data = string(v.bytes)
		}
		return err
	})
}

// PeekKind returns the kind of an encoded frame.
func PeekKind(b []byte) (Kind, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != fieldKind || typ != protowire.VarintType {
		return 0, ErrMalformed
	}
	v, m := protowire.ConsumeVarint(b[n:])
	if m < 0 {
		return 0, ErrMalformed
	}
	return Kind(v), nil
}

func appendKind(b []byte, k Kind) []byte {
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(k))
}

type field struct {
	varint uint64
	bytes  []byte
}

func (f field) uuid() (uuid.UUID, error) {
	id, err := uuid.FromBytes(f.bytes)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return id, nil
}

func (f field) uint16(dst *uint16) error {
	if f.varint > 0xffff {
		return fmt.Errorf("%w: grant id %d", ErrMalformed, f.varint)
	}
	*dst = uint16(f.varint)
	return nil
}

func decode(b []byte, want Kind, fn func(protowire.Number, field) error) error {
	kind, err := PeekKind(b)
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: kind %d, want %d", ErrMalformed, kind, want)
	}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var v field
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldKind {
			continue
		}
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}
