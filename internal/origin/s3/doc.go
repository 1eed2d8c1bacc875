/*
Package s3 fetches byte ranges of origin files from an S3-compatible object
store.

A cache path maps to an object key by stripping the leading slash and
prepending the configured prefix:

	prefix "datasets/", path "/run1/file.root" -> key "datasets/run1/file.root"

Fetch issues ranged GetObject requests through a bounded pool of clients and
retries transient failures with exponential backoff. Size issues HeadObject
and remembers the object's ETag; FetchVerified pins the GET to that ETag so a
block is never assembled from two different versions of an object. A changed
object surfaces as errors.ErrChecksumMismatch.
*/
package s3
