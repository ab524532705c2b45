// Package fetch downloads package artifacts into the local cache.
//
// Service implements engine.Fetcher. URLs are fetched in parallel up to the
// configured concurrency and Get returns once every URL has either succeeded
// or failed. Supported schemes:
//
//   - plain paths and file:// URLs, returned in place without copying;
//   - http:// and https://;
//   - sftp://[user@]host[:port]/path, over SSH with key file or agent auth.
//
// Downloads land in <cache dir>/<label>/<file name>. They are written to a
// temporary file first and renamed into place on success.
package fetch
