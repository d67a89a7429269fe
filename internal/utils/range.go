package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable covers both malformed Range headers and ranges
// that fall outside the file, since both answer 416.
var ErrRangeNotSatisfiable = errors.New("range not satisfiable")

// ByteRange is a fully resolved, validated byte range within a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns how many bytes the range covers.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange renders the Content-Range header value for a file of the
// given size.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange parses and validates a Range header against a file of the
// given size. The accepted form is exactly bytes=<start>-<end> with a
// required decimal start and an optional decimal end; the end defaults to
// size-1 when omitted. Multi-range headers, suffix ranges and anything
// else non-conforming return ErrRangeNotSatisfiable, as do ranges that do
// not satisfy 0 <= start <= end < size.
func ParseRange(header string, size int64) (*ByteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, fmt.Errorf("%w: header %q does not start with bytes=", ErrRangeNotSatisfiable, header)
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, fmt.Errorf("%w: header %q contains no '-'", ErrRangeNotSatisfiable, header)
	}

	startStr, endStr := spec[:dash], spec[dash+1:]
	if !isDigits(startStr) {
		return nil, fmt.Errorf("%w: invalid range start %q", ErrRangeNotSatisfiable, startStr)
	}
	if endStr != "" && !isDigits(endStr) {
		return nil, fmt.Errorf("%w: invalid range end %q", ErrRangeNotSatisfiable, endStr)
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid range start %q", ErrRangeNotSatisfiable, startStr)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid range end %q", ErrRangeNotSatisfiable, endStr)
		}
	}

	if start > end || end >= size {
		return nil, fmt.Errorf("%w: bytes %d-%d of %d", ErrRangeNotSatisfiable, start, end, size)
	}

	return &ByteRange{Start: start, End: end}, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
