// Package channels turns channel configuration into engine loaders.
//
// A channel is a named source of packages. Three types are built in:
//
//   - yaml-index: an index.yaml listing package metadata and artifact URLs.
//     Remote indexes are downloaded by Refresh into the cache directory and
//     read from there afterwards.
//   - file: a single local package file, inspected by the backend that owns
//     its file extension.
//   - installed: the installed package database.
//
// Channels are created through a Registry so callers can add types.
package channels
