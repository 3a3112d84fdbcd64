// Package cache defines the named cache buckets shared by the install handler
// and the fetch interceptor. A Storage hands out Buckets by name (creating them
// lazily); a Bucket maps request identity (method + absolute URL) to a stored
// response. Two backends exist: a disk layout under StoragePath/<bucket>/ that
// writes through temp file + rename, and a single SQLite database. Neither
// evicts or expires entries; bucket lifecycle belongs to the operator.
package cache
