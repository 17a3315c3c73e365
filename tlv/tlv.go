// Package tlv implements the BER-TLV encoding used throughout ISO 7816-4
// data objects, including the full multi-byte tag and length forms the
// OpenPGP applet's data objects need (tags like 0x7F48 and 0x5F48, lengths
// beyond 255 bytes for public key material).
package tlv

import (
	"fmt"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
)

// Node is one parsed TLV: Tag is the full tag number (1 or 2 bytes on the
// wire, e.g. 0x4F or 0x7F48), Value aliases the slice it was parsed from
// rather than copying it — callers that need an independent lifetime must
// copy explicitly.
type Node struct {
	Tag   uint32
	Value []byte
}

// IsConstructed reports whether the tag's constructed bit (bit 6 of the
// first tag byte) is set, meaning Value itself holds nested TLVs.
func (n Node) IsConstructed() bool {
	return tagFirstByte(n.Tag)&0x20 != 0
}

// tagFirstByte returns the leading byte of the tag as it appeared on the
// wire, which carries the class and constructed bits.
func tagFirstByte(tag uint32) byte {
	switch {
	case tag > 0xFFFF:
		return byte(tag >> 16)
	case tag > 0xFF:
		return byte(tag >> 8)
	default:
		return byte(tag)
	}
}

// Encode builds the wire form of a single TLV: tag, BER length, value.
// Tag must fit in the one- or two-byte form OpenPGP data objects use (no
// applet data object in this spec needs a three-byte tag, so that form is
// rejected to keep the encoder's contract simple).
func Encode(tag uint32, value []byte) ([]byte, error) {
	tagBytes, err := encodeTag(tag)
	if err != nil {
		return nil, err
	}
	lenBytes := encodeLength(len(value))
	out := make([]byte, 0, len(tagBytes)+len(lenBytes)+len(value))
	out = append(out, tagBytes...)
	out = append(out, lenBytes...)
	out = append(out, value...)
	return out, nil
}

func encodeTag(tag uint32) ([]byte, error) {
	switch {
	case tag <= 0xFF && tag&0x1F != 0x1F:
		return []byte{byte(tag)}, nil
	case tag <= 0xFFFF:
		return []byte{byte(tag >> 8), byte(tag)}, nil
	default:
		return nil, &taxonomy.Error{Kind: taxonomy.ErrTlvTagTooLong, Cause: fmt.Errorf("tag %#x exceeds two bytes", tag)}
	}
}

func encodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	default:
		return []byte{0x82, byte(n >> 8), byte(n)}
	}
}

// ParseSingle parses exactly one TLV from the front of data and returns it
// together with the number of bytes consumed. When strictTrailing is true,
// any bytes left over after the one TLV are treated as a truncation error
// instead of being silently ignored — used when a data object is known to
// hold exactly one child.
func ParseSingle(data []byte, strictTrailing bool) (Node, int, error) {
	tag, tagLen, err := decodeTag(data)
	if err != nil {
		return Node{}, 0, err
	}
	length, lenLen, err := decodeLength(data[tagLen:])
	if err != nil {
		return Node{}, 0, err
	}
	start := tagLen + lenLen
	end := start + length
	if end > len(data) {
		return Node{}, 0, &taxonomy.Error{Kind: taxonomy.ErrTlvTruncated,
			Cause: fmt.Errorf("need %d value byte(s), have %d", length, len(data)-start)}
	}
	if strictTrailing && end != len(data) {
		return Node{}, 0, &taxonomy.Error{Kind: taxonomy.ErrTlvTruncated,
			Cause: fmt.Errorf("%d trailing byte(s) after single TLV", len(data)-end)}
	}
	return Node{Tag: tag, Value: data[start:end]}, end, nil
}

// ParseAll parses a consecutive run of sibling TLVs (e.g. the children of a
// constructed data object) and returns them in order.
func ParseAll(data []byte) ([]Node, error) {
	var nodes []Node
	for len(data) > 0 {
		node, consumed, err := ParseSingle(data, false)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
		data = data[consumed:]
	}
	return nodes, nil
}

// FindRecursive depth-first searches tlvs and their constructed children
// for the first node matching tag, the way a caller looks up e.g. tag
// 0x73 (Discretionary Data Objects) or a fingerprint sub-tag buried inside
// it. Parse errors on a constructed value are treated as "does not
// contain tag" rather than propagated, since a non-TLV constructed value
// would not be searched by a well-formed caller in the first place.
func FindRecursive(tlvs []Node, tag uint32) (Node, bool) {
	for _, n := range tlvs {
		if n.Tag == tag {
			return n, true
		}
		if !n.IsConstructed() {
			continue
		}
		children, err := ParseAll(n.Value)
		if err != nil {
			continue
		}
		if found, ok := FindRecursive(children, tag); ok {
			return found, true
		}
	}
	return Node{}, false
}

func decodeTag(data []byte) (tag uint32, consumed int, err error) {
	if len(data) == 0 {
		return 0, 0, &taxonomy.Error{Kind: taxonomy.ErrTlvTruncated, Cause: fmt.Errorf("empty input")}
	}
	first := data[0]
	if first&0x1F != 0x1F {
		return uint32(first), 1, nil
	}
	// Multi-byte tag: subsequent bytes continue while bit 8 is set. This
	// spec's data objects never need more than one continuation byte, so
	// a second byte with bit 8 set is rejected as too long.
	if len(data) < 2 {
		return 0, 0, &taxonomy.Error{Kind: taxonomy.ErrTlvTruncated, Cause: fmt.Errorf("truncated multi-byte tag")}
	}
	if data[1]&0x80 != 0 {
		return 0, 0, &taxonomy.Error{Kind: taxonomy.ErrTlvTagTooLong, Cause: fmt.Errorf("tag continues past two bytes")}
	}
	return uint32(first)<<8 | uint32(data[1]), 2, nil
}

func decodeLength(data []byte) (length int, consumed int, err error) {
	if len(data) == 0 {
		return 0, 0, &taxonomy.Error{Kind: taxonomy.ErrTlvTruncated, Cause: fmt.Errorf("missing length byte")}
	}
	first := data[0]
	if first&0x80 == 0 {
		return int(first), 1, nil
	}
	numBytes := int(first & 0x7F)
	if numBytes == 0 || numBytes > 4 {
		return 0, 0, &taxonomy.Error{Kind: taxonomy.ErrTlvBadLength, Cause: fmt.Errorf("unsupported long-form length of %d byte(s)", numBytes)}
	}
	if len(data) < 1+numBytes {
		return 0, 0, &taxonomy.Error{Kind: taxonomy.ErrTlvTruncated, Cause: fmt.Errorf("truncated long-form length")}
	}
	length = 0
	for i := 0; i < numBytes; i++ {
		length = length<<8 | int(data[1+i])
	}
	return length, 1 + numBytes, nil
}
