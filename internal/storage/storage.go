package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bobarin/friendflix/internal/errs"
	"github.com/google/uuid"
)

// Store is the object storage used for uploaded photos, processed photos,
// and final trailers. Keys are slash-separated paths inside one bucket.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	PublicURL(key string) string
	SignedURL(ctx context.Context, key string, expiresIn time.Duration) (string, error)
}

// Top-level key prefixes of the bucket layout.
const (
	PrefixUploads   = "uploads"
	PrefixProcessed = "processed"
	PrefixOutput    = "output"
	PrefixScenes    = "scenes"
)

// ValidateKey rejects keys outside the bucket layout: empty, absolute,
// unclean or under an unknown prefix.
func ValidateKey(key string) error {
	if key == "" {
		return errs.Validation("key", "empty storage key")
	}
	if strings.HasPrefix(key, "/") || path.Clean(key) != key || strings.Contains(key, "..") {
		return errs.Validation("key", fmt.Sprintf("malformed storage key %q", key))
	}
	prefix, rest, _ := strings.Cut(key, "/")
	switch prefix {
	case PrefixUploads, PrefixProcessed, PrefixOutput, PrefixScenes:
	default:
		return errs.Validation("key", fmt.Sprintf("unknown storage prefix %q", prefix))
	}
	if rest == "" {
		return errs.Validation("key", fmt.Sprintf("storage key %q names no object", key))
	}
	return nil
}

// UploadPath is where an original character photo lives.
func UploadPath(projectID, characterID uuid.UUID, index int, ext string) string {
	return path.Join(PrefixUploads, projectID.String(), characterID.String(), fmt.Sprintf("%d%s", index, normalizeExt(ext)))
}

// ProcessedPath is where a background-removed character photo lives.
func ProcessedPath(projectID, characterID uuid.UUID, index int) string {
	return path.Join(PrefixProcessed, projectID.String(), characterID.String(), fmt.Sprintf("%d.png", index))
}

// OutputPath is the deterministic location of a project's final trailer.
func OutputPath(projectID uuid.UUID) string {
	return path.Join(PrefixOutput, projectID.String(), "trailer.mp4")
}

// ContentTypeFor guesses a content type from a key's extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	}
	return "application/octet-stream"
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext == "" {
		return ".jpg"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

var (
	_ Store = (*Supabase)(nil)
	_ Store = (*MinIO)(nil)
)
