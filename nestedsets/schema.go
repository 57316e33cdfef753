package nestedsets

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// KeyFilter normalizes primary key values before they are used in a lookup.
type KeyFilter int

const (
	// KeyFilterInteger coerces keys to int64.
	KeyFilterInteger KeyFilter = iota
	// KeyFilterString passes string keys through unchanged.
	KeyFilterString
)

func (f KeyFilter) String() string {
	switch f {
	case KeyFilterInteger:
		return "integer"
	case KeyFilterString:
		return "string"
	default:
		return fmt.Sprintf("KeyFilter(%d)", int(f))
	}
}

// ParseKeyFilter accepts the filter names used in config files and flags.
func ParseKeyFilter(s string) (KeyFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "integer", "int", "intval":
		return KeyFilterInteger, nil
	case "string", "str", "htmlentities":
		return KeyFilterString, nil
	default:
		return 0, fmt.Errorf("%w: unknown key filter %q", ErrInvalidSchema, s)
	}
}

// Apply returns the filtered form of a key value. Values are always bound
// as query parameters, so the string filter does no escaping.
func (f KeyFilter) Apply(v any) (any, error) {
	switch f {
	case KeyFilterInteger:
		return toInteger(v)
	case KeyFilterString:
		var s string
		switch k := v.(type) {
		case nil:
			return nil, fmt.Errorf("%w: nil", ErrInvalidKey)
		case string:
			s = k
		case []byte:
			s = string(k)
		default:
			s = fmt.Sprint(k)
		}
		if s == "" {
			return nil, fmt.Errorf("%w: empty string", ErrInvalidKey)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown key filter %d", ErrInvalidSchema, int(f))
	}
}

func toInteger(v any) (int64, error) {
	switch k := v.(type) {
	case int:
		return int64(k), nil
	case int8:
		return int64(k), nil
	case int16:
		return int64(k), nil
	case int32:
		return int64(k), nil
	case int64:
		return k, nil
	case uint:
		return uintToInt(uint64(k))
	case uint8:
		return int64(k), nil
	case uint16:
		return int64(k), nil
	case uint32:
		return int64(k), nil
	case uint64:
		return uintToInt(k)
	case float32:
		return floatToInt(float64(k))
	case float64:
		return floatToInt(k)
	case []byte:
		return parseInt(string(k))
	case string:
		return parseInt(k)
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrInvalidKey, v)
	}
}

func uintToInt(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d overflows int64", ErrInvalidKey, u)
	}
	return int64(u), nil
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %v is not integral", ErrInvalidKey, f)
	}
	return int64(f), nil
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return n, nil
}

// Schema names the table and columns holding the tree.
type Schema struct {
	Table      string
	PrimaryKey string
	Parent     string
	Left       string
	Right      string
	KeyFilter  KeyFilter
}

func DefaultSchema() Schema {
	return Schema{
		Table:      "nestedsets",
		PrimaryKey: "id",
		Parent:     "parent_id",
		Left:       "lft",
		Right:      "rgt",
		KeyFilter:  KeyFilterInteger,
	}
}

// WithDefaults fills any unset identifier from DefaultSchema.
func (s Schema) WithDefaults() Schema {
	d := DefaultSchema()
	if s.Table == "" {
		s.Table = d.Table
	}
	if s.PrimaryKey == "" {
		s.PrimaryKey = d.PrimaryKey
	}
	if s.Parent == "" {
		s.Parent = d.Parent
	}
	if s.Left == "" {
		s.Left = d.Left
	}
	if s.Right == "" {
		s.Right = d.Right
	}
	return s
}

func (s Schema) Validate() error {
	if s.Table == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidSchema)
	}
	cols := map[string]string{}
	for _, c := range []struct{ role, name string }{
		{"primary key", s.PrimaryKey},
		{"parent", s.Parent},
		{"left", s.Left},
		{"right", s.Right},
	} {
		if c.name == "" {
			return fmt.Errorf("%w: %s column is empty", ErrInvalidSchema, c.role)
		}
		if other, ok := cols[c.name]; ok {
			return fmt.Errorf("%w: %s and %s columns are both %q", ErrInvalidSchema, other, c.role, c.name)
		}
		cols[c.name] = c.role
	}
	if s.KeyFilter != KeyFilterInteger && s.KeyFilter != KeyFilterString {
		return fmt.Errorf("%w: unknown key filter %d", ErrInvalidSchema, int(s.KeyFilter))
	}
	return nil
}

// isCoreColumn reports whether name is one of the columns the maintainer
// manages itself.
func (s Schema) isCoreColumn(name string) bool {
	return name == s.PrimaryKey || name == s.Parent || name == s.Left || name == s.Right
}
