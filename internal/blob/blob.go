// Package blob stores validated audio payloads under deterministic keys.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/voxrelay/voxrelay/internal/pkg/hash"
)

// ContentType is set on every stored audio object.
const ContentType = "audio/pcm"

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob not found")

// Store is a put-by-key object store. Objects are written once and never mutated
// by the relay; a repeated Put of the same key carries the same bytes, so Exists
// lets a redelivered event skip the write.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts ...PutOption) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// Reader reads an object back. The relay never reads audio it stored; both
// stores implement it for operators and tests.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

var (
	_ Reader = (*LocalStore)(nil)
	_ Reader = (*S3Store)(nil)
)

// PutOptions holds optional object attributes.
type PutOptions struct {
	Metadata map[string]string
}

// PutOption mutates PutOptions.
type PutOption func(*PutOptions)

// WithMetadata attaches a metadata entry to the stored object.
func WithMetadata(key, value string) PutOption {
	return func(o *PutOptions) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]string)
		}
		o.Metadata[key] = value
	}
}

func applyOptions(opts []PutOption) PutOptions {
	var o PutOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// KeyFor builds audio/{author}/{YYYYmmdd_HHMMSS}-{digest}.pcm. The digest keeps
// distinct payloads from colliding within one second while a redelivered event
// maps to the same key.
func KeyFor(author string, ingestedAt time.Time, data []byte) string {
	return fmt.Sprintf("audio/%s/%s-%s.pcm",
		SanitizeAuthor(author),
		ingestedAt.UTC().Format("20060102_150405"),
		hash.ContentDigest(data),
	)
}

// SanitizeAuthor turns an author name into a single safe path segment.
func SanitizeAuthor(author string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(author) {
		switch {
		case r == '/' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return "Anonymous"
	}
	return s
}
