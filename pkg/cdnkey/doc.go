// Package cdnkey derives deterministic object-store keys and public CDN URLs
// for migrated audio files.
//
// Every function in this package is pure: the same inputs always produce the
// same destination, so re-running a migration overwrites objects in place
// instead of creating duplicates.
//
// # Filenames
//
//	{id}-{slug(title)}{extension}
//
// [Slug] lower-cases the title and collapses every run of characters outside
// [a-z0-9] into a single hyphen. A title with nothing left becomes "audio".
//
// # Extension Resolution
//
// [Extension] picks the first match of:
//   - the media type in the fixed audio table (audio/mpeg → .mp3, ...)
//   - the extension of the source URL path
//   - a generic guess from the media type (mime.ExtensionsByType)
//   - ".mp3"
//
// # Keys and URLs
//
//	d := cdnkey.Deriver{Prefix: "chizuk/audio", BaseURL: "https://assets.example.com/"}
//	dest := d.Derive("42", "Morning Shiur", srcURL, "audio/mpeg")
//	// dest.Filename = "42-morning-shiur.mp3"
//	// dest.Key      = "chizuk/audio/42-morning-shiur.mp3"
//	// dest.URL      = "https://assets.example.com/chizuk/audio/42-morning-shiur.mp3"
package cdnkey
