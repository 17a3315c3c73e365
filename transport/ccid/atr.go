package ccid

import (
	"fmt"
	"strings"
)

// ATR is the decoded Answer-To-Reset returned by PowerOn, feeding the T=1
// layer's IFSC default and reporting the card's supported protocols.
type ATR struct {
	Raw       []byte
	TS        byte
	T0        byte
	TA, TB    map[int]byte
	TC, TD    map[int]byte
	Historical []byte
	Checksum  *byte
	Protocols []int
	Fi, Di    int
}

// DecodeATR parses a raw ATR following ISO 7816-3 section 8's TS/T0/
// interface-byte structure.
func DecodeATR(atr []byte) (*ATR, error) {
	if len(atr) < 2 {
		return nil, fmt.Errorf("atr too short: %d byte(s)", len(atr))
	}

	info := &ATR{
		Raw: atr,
		TS:  atr[0],
		T0:  atr[1],
		TA:  make(map[int]byte),
		TB:  make(map[int]byte),
		TC:  make(map[int]byte),
		TD:  make(map[int]byte),
	}

	hbLen := int(info.T0 & 0x0F)
	ptr := 2
	pn := 1
	td := info.T0

	for ptr < len(atr) {
		if td&0x10 != 0 {
			if ptr >= len(atr) {
				break
			}
			info.TA[pn] = atr[ptr]
			ptr++
		}
		if td&0x20 != 0 {
			if ptr >= len(atr) {
				break
			}
			info.TB[pn] = atr[ptr]
			ptr++
		}
		if td&0x40 != 0 {
			if ptr >= len(atr) {
				break
			}
			info.TC[pn] = atr[ptr]
			ptr++
		}
		if td&0x80 != 0 {
			if ptr >= len(atr) {
				break
			}
			td = atr[ptr]
			info.TD[pn] = td
			info.Protocols = append(info.Protocols, int(td&0x0F))
			ptr++
			pn++
		} else {
			break
		}
	}

	if ptr+hbLen <= len(atr) {
		info.Historical = atr[ptr : ptr+hbLen]
		ptr += hbLen
	} else if ptr < len(atr) {
		info.Historical = atr[ptr:]
		ptr = len(atr)
	}

	if ptr < len(atr) {
		info.Checksum = &atr[ptr]
	}

	info.interpret()
	return info, nil
}

func (info *ATR) interpret() {
	if val, ok := info.TA[1]; ok {
		fiTable := map[byte]int{0: 372, 1: 372, 2: 558, 3: 744, 4: 1116, 5: 1488, 6: 1860,
			9: 512, 10: 768, 11: 1024, 12: 1536, 13: 2048}
		diTable := map[byte]int{1: 1, 2: 2, 3: 4, 4: 8, 5: 16, 6: 32, 7: 64, 8: 12, 9: 20}
		info.Fi = fiTable[val>>4]
		info.Di = diTable[val&0x0F]
	}
}

// IFSC returns the T=1 information field size the card advertised via TA
// for protocol T=1 (ISO 7816-3 section 11.4.2), or the standard default of
// 32 bytes if it did not.
func (info *ATR) IFSC() int {
	for pn, td := range info.TD {
		if td&0x0F == 1 {
			if val, ok := info.TA[pn+1]; ok && val != 0 && val != 0xFF {
				return int(val)
			}
		}
	}
	return 32
}

// SupportsT1 reports whether T=1 appears in the negotiated protocol list.
func (info *ATR) SupportsT1() bool {
	for _, p := range info.Protocols {
		if p == 1 {
			return true
		}
	}
	return false
}

func (info *ATR) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ATR: %X\n", info.Raw)
	protocols := make([]string, 0, len(info.Protocols))
	for _, p := range info.Protocols {
		protocols = append(protocols, fmt.Sprintf("T=%d", p))
	}
	if len(protocols) == 0 {
		protocols = append(protocols, "T=0")
	}
	fmt.Fprintf(&sb, "  Protocols: %s\n", strings.Join(protocols, ", "))
	if info.Fi > 0 || info.Di > 0 {
		fmt.Fprintf(&sb, "  Transmission: Fi=%d, Di=%d\n", info.Fi, info.Di)
	}
	if len(info.Historical) > 0 {
		fmt.Fprintf(&sb, "  Historical bytes: %X\n", info.Historical)
	}
	if info.Checksum != nil {
		fmt.Fprintf(&sb, "  Checksum (TCK): %02X\n", *info.Checksum)
	}
	return sb.String()
}
