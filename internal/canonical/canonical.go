// Package canonical turns arbitrary entity snapshots into a deterministic byte
// form used for hashing and diffing. Two semantically identical snapshots
// always canonicalize to the same bytes regardless of map insertion order:
// object keys are sorted lexicographically at every nesting level, numbers are
// normalized (1 and 1.0 produce the same bytes), and null and absent values
// are represented uniformly.
//
// Canonicalization does not redact. Callers must strip secrets (password
// hashes, credential material) before handing a snapshot to this package.
package canonical

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrSerialization is returned when a snapshot contains a value that has no
// canonical representation (cyclic references, channels, functions, ...).
var ErrSerialization = errors.New("canonical: value is not representable")

// maxDepth bounds recursion so a cyclic snapshot fails with ErrSerialization
// instead of overflowing the stack.
const maxDepth = 64

// Marshal produces the canonical byte form of a snapshot.
func Marshal(snapshot map[string]interface{}) ([]byte, error) {
	var b strings.Builder
	if err := writeValue(&b, snapshot, 0); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Equal reports whether two snapshots are structurally equal under
// canonicalization.
func Equal(a, b map[string]interface{}) (bool, error) {
	ca, err := Marshal(a)
	if err != nil {
		return false, err
	}
	cb, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return string(ca) == string(cb), nil
}

func writeValue(b *strings.Builder, v interface{}, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting exceeds %d levels (cyclic snapshot?)", ErrSerialization, maxDepth)
	}
	if v == nil {
		b.WriteString("null")
		return nil
	}

	switch val := v.(type) {
	case map[string]interface{}:
		return writeObject(b, val, depth)
	case []interface{}:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeValue(b, elem, depth+1); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case string:
		b.WriteString(strconv.Quote(val))
		return nil
	case bool:
		b.WriteString(strconv.FormatBool(val))
		return nil
	}

	if n, ok := normalizeNumber(v); ok {
		b.WriteString(n)
		return nil
	}

	// Finite floats were handled above, so a float reaching this point is
	// NaN or an infinity. Neither has a canonical byte form; rendering them
	// as strings would mint a digest over a value the JSON layer can never
	// round-trip.
	switch f := v.(type) {
	case float32:
		return fmt.Errorf("%w: non-finite number %v", ErrSerialization, f)
	case float64:
		return fmt.Errorf("%w: non-finite number %v", ErrSerialization, f)
	}

	// Typed nils (e.g. (*string)(nil) stuffed into an interface) canonicalize
	// to null like untyped nil.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			b.WriteString("null")
			return nil
		}
	}

	return fmt.Errorf("%w: unsupported type %T", ErrSerialization, v)
}

func writeObject(b *strings.Builder, m map[string]interface{}, depth int) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		if err := writeValue(b, m[k], depth+1); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// normalizeNumber renders any numeric value in a single canonical form so
// that 1, 1.0, int64(1), and json.Number("1") all produce the same bytes.
// Integral floats are printed without a fractional part.
func normalizeNumber(v interface{}) (string, bool) {
	switch n := v.(type) {
	case int:
		return strconv.FormatInt(int64(n), 10), true
	case int8:
		return strconv.FormatInt(int64(n), 10), true
	case int16:
		return strconv.FormatInt(int64(n), 10), true
	case int32:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case uint:
		return strconv.FormatUint(uint64(n), 10), true
	case uint8:
		return strconv.FormatUint(uint64(n), 10), true
	case uint16:
		return strconv.FormatUint(uint64(n), 10), true
	case uint32:
		return strconv.FormatUint(uint64(n), 10), true
	case uint64:
		return strconv.FormatUint(n, 10), true
	case float32:
		return formatFloat(float64(n))
	case float64:
		return formatFloat(n)
	}
	if num, ok := v.(interface{ String() string }); ok {
		// json.Number decodes as a string-backed type; parse and re-render so
		// "1.0" and "1" collapse to the same form.
		if f, err := strconv.ParseFloat(num.String(), 64); err == nil {
			return formatFloat(f)
		}
	}
	return "", false
}

// formatFloat renders a finite float. NaN and the infinities are refused:
// they have no JSON representation, so they must surface as a serialization
// error rather than a quiet "NaN" token.
func formatFloat(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10), true
	}
	return strconv.FormatFloat(f, 'g', -1, 64), true
}
