// Declared column types and value coercion between wire, JSON, SQL and Go.

package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/tabsync/internal/key"
)

// ColumnType is the declared value type of a column.
//
// Values flow through coercion as follows:
//
//	wire text   → Parse  → canonical Go value
//	JSON / SQL  → Coerce → canonical Go value
//
// Canonical values are the ones accepted by [key.Normalize]: nil, bool,
// int64, float64, string and UTC time.Time.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeInt    ColumnType = "int"
	TypeFloat  ColumnType = "float"
	TypeBool   ColumnType = "bool"
	TypeTime   ColumnType = "time"
)

// ParseColumnType returns the column type for s, accepting a few common
// server aliases.
func ParseColumnType(s string) (ColumnType, error) {
	switch strings.ToLower(s) {
	case "string", "text", "varchar", "char", "nvarchar":
		return TypeString, nil
	case "int", "integer", "bigint", "smallint", "long":
		return TypeInt, nil
	case "float", "double", "real", "decimal", "numeric":
		return TypeFloat, nil
	case "bool", "boolean", "bit":
		return TypeBool, nil
	case "time", "datetime", "timestamp", "date":
		return TypeTime, nil
	default:
		return "", fmt.Errorf("unknown column type %q", s)
	}
}

// Valid reports whether c is one of the declared types.
func (c ColumnType) Valid() bool {
	switch c {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTime:
		return true
	}
	return false
}

// Parse converts the text form of a value. The empty string is a valid
// string but a null for every other type.
func (c ColumnType) Parse(s string) (any, error) {
	if s == "" && c != TypeString {
		return nil, nil
	}
	switch c {
	case TypeString:
		return s, nil
	case TypeInt:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int %q: %w", s, err)
		}
		return v, nil
	case TypeFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q: %w", s, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid float %q: not finite", s)
		}
		return v, nil
	case TypeBool:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "t", "yes":
			return true, nil
		case "0", "false", "f", "no":
			return false, nil
		}
		return nil, fmt.Errorf("invalid bool %q", s)
	case TypeTime:
		return parseTime(s)
	default:
		return nil, fmt.Errorf("unknown column type %q", string(c))
	}
}

// Format renders a canonical value as text, the inverse of Parse.
func (c ColumnType) Format(v any) string {
	return key.Format(v)
}

// Coerce converts a decoded JSON or SQL value to the canonical Go type.
func (c ColumnType) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case string:
		return c.Parse(t)
	case []byte:
		return c.Parse(string(t))
	case json.Number:
		return c.Parse(t.String())
	}
	n, err := key.Normalize(v)
	if err != nil {
		return nil, err
	}
	switch c {
	case TypeString:
		return key.Format(n), nil
	case TypeInt:
		switch t := n.(type) {
		case int64:
			return t, nil
		case float64:
			if t != math.Trunc(t) {
				return nil, fmt.Errorf("invalid int %v", t)
			}
			// 2^63 is exactly representable, MaxInt64 is not.
			if t < math.MinInt64 || t >= 1<<63 {
				return nil, fmt.Errorf("invalid int %v: out of range", t)
			}
			return int64(t), nil
		case bool:
			if t {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case TypeFloat:
		switch t := n.(type) {
		case int64:
			return float64(t), nil
		case float64:
			return t, nil
		}
	case TypeBool:
		switch t := n.(type) {
		case bool:
			return t, nil
		case int64:
			return t != 0, nil
		case float64:
			return t != 0, nil
		}
	case TypeTime:
		if t, ok := n.(time.Time); ok {
			return t, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, c)
}

func parseTime(s string) (any, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Round(0), nil
		}
	}
	return nil, fmt.Errorf("invalid time %q", s)
}
