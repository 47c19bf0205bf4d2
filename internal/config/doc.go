// Package config defines configuration for the cdnmigrate CLI.
//
// Configuration is layered, later sources winning:
//   - Defaults ([Default])
//   - YAML configuration file ([LoadFromFile])
//   - Environment variables ([Config.LoadFromEnv], keys listed in [EnvKeys])
//   - Command-line flags, applied by the CLI for each flag given
//
// [Config.Validate] runs once all layers are applied and before any item is
// processed.
//
// # Example
//
//	workers: 25
//	source_columns: [audio_url, speaker_website]
//	store:
//	  bucket: chizuk-media
//	  prefix: chizuk/audio
//	  cdn_base: https://cdn.example.com
//	database:
//	  url: postgres://app@db.internal/chizuk
//	  table: episodes
//	retry:
//	  attempts: 2
//	timeouts:
//	  fetch_read: 2m
package config
