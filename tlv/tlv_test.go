package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		tag  uint32
		val  []byte
		want []byte
	}{
		{"single byte tag, short length", 0x4F, []byte{0x01, 0x02, 0x03}, []byte{0x4F, 0x03, 0x01, 0x02, 0x03}},
		{"two byte tag", 0x7F48, []byte{0xAA}, []byte{0x7F, 0x48, 0x01, 0xAA}},
		{"empty value", 0xC0, nil, []byte{0xC0, 0x00}},
		{"long form 0x81 boundary", 0x5F48, bytes.Repeat([]byte{0x01}, 0x80), append([]byte{0x5F, 0x48, 0x81, 0x80}, bytes.Repeat([]byte{0x01}, 0x80)...)},
		{"long form 0x82", 0x5F48, bytes.Repeat([]byte{0x02}, 0x100), append([]byte{0x5F, 0x48, 0x82, 0x01, 0x00}, bytes.Repeat([]byte{0x02}, 0x100)...)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.tag, tc.val)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("Encode() = %x, want %x", got, tc.want)
			}
		})
	}
}

func TestEncode_TagTooLong(t *testing.T) {
	_, err := Encode(0x01000000, []byte{0x01})
	if !errors.Is(err, taxonomy.ErrTlvTagTooLong) {
		t.Fatalf("Encode() error = %v, want ErrTlvTagTooLong", err)
	}
}

func TestParseSingle(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		strict  bool
		wantTag uint32
		wantVal []byte
		wantN   int
	}{
		{"single byte tag", []byte{0x4F, 0x02, 0xAA, 0xBB}, false, 0x4F, []byte{0xAA, 0xBB}, 4},
		{"two byte tag", []byte{0x7F, 0x48, 0x01, 0x99}, false, 0x7F48, []byte{0x99}, 4},
		{"zero length", []byte{0xC0, 0x00}, true, 0xC0, []byte{}, 2},
		{"long form 0x81", append([]byte{0x73, 0x81, 0x02}, 0x01, 0x02), true, 0x73, []byte{0x01, 0x02}, 5},
		{"trailing bytes allowed when not strict", []byte{0x4F, 0x01, 0xAA, 0xFF, 0xFF}, false, 0x4F, []byte{0xAA}, 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			node, n, err := ParseSingle(tc.data, tc.strict)
			if err != nil {
				t.Fatalf("ParseSingle() error = %v", err)
			}
			if node.Tag != tc.wantTag {
				t.Errorf("Tag = %#x, want %#x", node.Tag, tc.wantTag)
			}
			if !bytes.Equal(node.Value, tc.wantVal) {
				t.Errorf("Value = %x, want %x", node.Value, tc.wantVal)
			}
			if n != tc.wantN {
				t.Errorf("consumed = %d, want %d", n, tc.wantN)
			}
		})
	}
}

func TestParseSingle_Errors(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		strict bool
		want   error
	}{
		{"truncated value", []byte{0x4F, 0x05, 0x01, 0x02}, false, taxonomy.ErrTlvTruncated},
		{"trailing bytes rejected when strict", []byte{0x4F, 0x01, 0xAA, 0xFF}, true, taxonomy.ErrTlvTruncated},
		{"empty input", []byte{}, false, taxonomy.ErrTlvTruncated},
		{"unsupported long length form", []byte{0x4F, 0x85, 0, 0, 0, 0, 0}, false, taxonomy.ErrTlvBadLength},
		{"multi-byte tag too long", []byte{0x5F, 0xFF}, false, taxonomy.ErrTlvTagTooLong},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseSingle(tc.data, tc.strict)
			if !errors.Is(err, tc.want) {
				t.Fatalf("ParseSingle() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestParseAll(t *testing.T) {
	data := []byte{0x4F, 0x01, 0xAA, 0x5F, 0x48, 0x01, 0xBB, 0xC0, 0x00}
	nodes, err := ParseAll(data)
	if err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("len(nodes) = %d, want 3", len(nodes))
	}
	if nodes[0].Tag != 0x4F || nodes[1].Tag != 0x5F48 || nodes[2].Tag != 0xC0 {
		t.Errorf("unexpected tags: %#x %#x %#x", nodes[0].Tag, nodes[1].Tag, nodes[2].Tag)
	}
}

func TestFindRecursive(t *testing.T) {
	// A top-level 0x4F (Application Identifier) followed by 0x73
	// (constructed, Discretionary Data Objects) containing 0xC5
	// (Fingerprints).
	fingerprints := bytes.Repeat([]byte{0xEE}, 60)
	inner, err := Encode(0xC5, fingerprints)
	if err != nil {
		t.Fatal(err)
	}
	discretionary, err := Encode(0x73, inner)
	if err != nil {
		t.Fatal(err)
	}
	aid, err := Encode(0x4F, []byte{0xD2, 0x76, 0x00, 0x01, 0x24, 0x01})
	if err != nil {
		t.Fatal(err)
	}
	outer := append(append([]byte{}, aid...), discretionary...)

	top, err := ParseAll(outer)
	if err != nil {
		t.Fatal(err)
	}

	node, ok := FindRecursive(top, 0xC5)
	if !ok {
		t.Fatal("FindRecursive() did not find tag 0xC5")
	}
	if !bytes.Equal(node.Value, fingerprints) {
		t.Errorf("Value = %x, want %x", node.Value, fingerprints)
	}

	if _, ok := FindRecursive(top, 0x99); ok {
		t.Error("FindRecursive() found a tag that is not present")
	}
}

func TestNode_IsConstructed(t *testing.T) {
	tests := []struct {
		name string
		tag  uint32
		want bool
	}{
		{"primitive single byte", 0xC5, false},
		{"constructed single byte", 0x73, true},
		{"constructed two byte", 0x7F48, true},
		{"primitive two byte", 0x5F48, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := Node{Tag: tc.tag}
			if got := n.IsConstructed(); got != tc.want {
				t.Errorf("IsConstructed() = %v, want %v", got, tc.want)
			}
		})
	}
}
