package codec

import "fmt"

// Raw is the serialization opt-out: strings and byte slices are stored as-is.
// Unmarshal accepts *string or *[]byte. By convention strings are UTF-8; no
// validation is performed.
type Raw struct{}

var _ Codec = Raw{}

func (Raw) Name() string { return "raw" }

func (Raw) Marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	case fmt.Stringer:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("codec: raw: unsupported value %T", v)
	}
}

func (Raw) Unmarshal(b []byte, v any) error {
	switch t := v.(type) {
	case *string:
		*t = string(b)
	case *[]byte:
		*t = append((*t)[:0], b...)
	default:
		return fmt.Errorf("codec: raw: unsupported target %T", v)
	}
	return nil
}
