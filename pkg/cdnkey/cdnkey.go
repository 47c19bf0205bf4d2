package cdnkey

import (
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	// FallbackSlug replaces titles that slugify to nothing.
	FallbackSlug = "audio"

	// DefaultExtension is used when no other signal is available.
	DefaultExtension = ".mp3"

	// DefaultContentType is the content type of last resort.
	DefaultContentType = "application/octet-stream"

	// CacheControl marks uploaded objects as cacheable for a year and immutable.
	CacheControl = "public, max-age=31536000, immutable"
)

// audioExtensions maps audio media types to their canonical extension.
var audioExtensions = map[string]string{
	"audio/mpeg":  ".mp3",
	"audio/mp3":   ".mp3",
	"audio/x-mp3": ".mp3",
	"audio/aac":   ".aac",
	"audio/x-aac": ".aac",
	"audio/mp4":   ".m4a",
	"audio/x-m4a": ".m4a",
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/flac":  ".flac",
	"audio/ogg":   ".ogg",
	"audio/opus":  ".opus",
	"audio/webm":  ".webm",
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Destination is where a single item ends up.
type Destination struct {
	Filename string
	Key      string
	URL      string
}

// Deriver builds destinations under a key prefix and public base URL.
type Deriver struct {
	// Prefix is prepended to every key. Surrounding slashes are ignored.
	Prefix string

	// BaseURL is the public CDN origin, e.g. "https://assets.example.com".
	BaseURL string
}

// Derive returns the destination for one record.
func (d Deriver) Derive(id, title, sourceURL, contentType string) Destination {
	filename := Filename(id, title, Extension(sourceURL, contentType))
	key := Key(d.Prefix, filename)
	return Destination{
		Filename: filename,
		Key:      key,
		URL:      PublicURL(d.BaseURL, key),
	}
}

// Slug lower-cases s and reduces it to [a-z0-9] runs joined by hyphens.
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonSlug.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return FallbackSlug
	}
	return s
}

// MediaType strips parameters from a Content-Type header value and
// lower-cases the result.
func MediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// Extension resolves the file extension for a source.
func Extension(sourceURL, contentType string) string {
	ct := MediaType(contentType)
	if ext, ok := audioExtensions[ct]; ok {
		return ext
	}
	if u, err := url.Parse(sourceURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && ext != "." {
			return ext
		}
	}
	if ct != "" {
		if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return DefaultExtension
}

// Filename joins id, slugified title and extension.
func Filename(id, title, ext string) string {
	return id + "-" + Slug(title) + ext
}

// Key places filename under prefix.
func Key(prefix, filename string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return filename
	}
	return prefix + "/" + filename
}

// PublicURL joins the CDN base and key.
func PublicURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}

// ContentType picks the content type to store an object with: the resolved
// media type if known, else a guess from the filename, else
// DefaultContentType.
func ContentType(resolved, filename string) string {
	if ct := MediaType(resolved); ct != "" {
		return ct
	}
	if ct := MediaType(mime.TypeByExtension(path.Ext(filename))); ct != "" {
		return ct
	}
	return DefaultContentType
}
