// Package codec provides value serializers for the cache and session stores.
// JSON is the default everywhere; Raw stores strings/bytes unchanged.
package codec

// Codec (de)serializes values for storage. Unmarshal decodes into a pointer.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}
