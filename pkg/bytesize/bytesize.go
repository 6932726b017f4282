// Package bytesize parses the human memory strings that show up in
// execution profiles ("512m", "1g", "2Gi") into byte counts. All
// suffixes are binary multiples, matching how container engines read
// them, so "512m" and "512Mi" mean the same thing.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

type Bytes int64

const (
	KiB Bytes = 1 << 10
	MiB Bytes = 1 << 20
	GiB Bytes = 1 << 30
	TiB Bytes = 1 << 40
)

var suffixes = map[string]Bytes{
	"":    1,
	"b":   1,
	"k":   KiB,
	"kb":  KiB,
	"ki":  KiB,
	"kib": KiB,
	"m":   MiB,
	"mb":  MiB,
	"mi":  MiB,
	"mib": MiB,
	"g":   GiB,
	"gb":  GiB,
	"gi":  GiB,
	"gib": GiB,
	"t":   TiB,
	"tb":  TiB,
	"ti":  TiB,
	"tib": TiB,
}

// Parse converts a size string into bytes. The numeric part may be
// fractional ("1.5g"); a bare number is taken as bytes.
func Parse(s string) (Bytes, error) {
	trimmed := strings.TrimSpace(strings.ToLower(s))
	if trimmed == "" {
		return 0, fmt.Errorf("empty size")
	}

	split := len(trimmed)
	for split > 0 {
		c := trimmed[split-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		split--
	}

	numPart := trimmed[:split]
	unitPart := strings.TrimSpace(trimmed[split:])

	mult, ok := suffixes[unitPart]
	if !ok {
		return 0, fmt.Errorf("unknown size suffix %q in %q", unitPart, s)
	}

	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}

	return Bytes(num * float64(mult)), nil
}

func (b Bytes) Int64() int64 {
	return int64(b)
}

func (b Bytes) String() string {
	switch {
	case b >= GiB && b%GiB == 0:
		return fmt.Sprintf("%dGi", b/GiB)
	case b >= MiB && b%MiB == 0:
		return fmt.Sprintf("%dMi", b/MiB)
	case b >= KiB && b%KiB == 0:
		return fmt.Sprintf("%dKi", b/KiB)
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}
