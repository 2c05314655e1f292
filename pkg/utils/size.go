package utils

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30
	TiB int64 = 1 << 40
	PiB int64 = 1 << 50
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// Decimal units are powers of 1000; the IEC and single letter units are
// powers of 1024.
var sizeUnits = map[string]int64{
	"B": 1, "BYTE": 1, "BYTES": 1,
	"KB": 1e3, "MB": 1e6, "GB": 1e9, "TB": 1e12, "PB": 1e15,
	"KIB": KiB, "K": KiB,
	"MIB": MiB, "M": MiB,
	"GIB": GiB, "G": GiB,
	"TIB": TiB, "T": TiB,
	"PIB": PiB, "P": PiB,
}

// ParseDataSize parses sizes such as "512", "40GB", "1.5GiB" or "10M" into
// bytes.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %d", n)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q (expected a form like 512MB or 1.5GiB)", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q", m[1])
	}
	mult, ok := sizeUnits[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", m[2])
	}

	bytes := int64(value * float64(mult))
	if bytes < 0 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return bytes, nil
}

// FormatDataSize renders bytes with binary units, e.g. "1.5 GB".
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	if bytes < KiB {
		return fmt.Sprintf("%d B", bytes)
	}

	units := []string{"KB", "MB", "GB", "TB", "PB"}
	value := float64(bytes) / float64(KiB)
	exp := 0
	for value >= 1024 && exp < len(units)-1 {
		value /= 1024
		exp++
	}

	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, units[exp])
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, units[exp])
	default:
		return fmt.Sprintf("%.2f %s", value, units[exp])
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// DataSizeHook is a mapstructure decode hook that turns human readable
// sizes into int64 fields. Numbers and durations pass through unchanged.
func DataSizeHook() func(from, to reflect.Type, data any) (any, error) {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Int64 || to == durationType {
			return data, nil
		}
		return ParseDataSize(data.(string))
	}
}
