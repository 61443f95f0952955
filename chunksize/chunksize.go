// Package chunksize computes the part size used by the multipart uploader
// and downloader, applying the object-store floor from spec.md §4.C.
//
// Grounded on the role of rclone's fs/chunksize package: a small pure
// function consulted by the multipart backends before they start
// chunking, rather than inlined arithmetic scattered across callers.
package chunksize

// MinPartSize is the minimum part size S3-compatible multipart uploads
// require for all but the final part.
const MinPartSize = 5 * 1 << 20 // 5 MiB

// DefaultPartSize is used when a caller doesn't override chunk/part size.
const DefaultPartSize = 64 * 1 << 20 // 64 MiB

// Default returns requested, clamped up to MinPartSize, or DefaultPartSize
// if requested is <= 0.
func Default(requested int64) int64 {
	if requested <= 0 {
		return DefaultPartSize
	}
	if requested < MinPartSize {
		return MinPartSize
	}
	return requested
}

// NumParts returns the number of parts needed to cover totalSize with
// parts of at most partSize bytes, i.e. ceil(totalSize / partSize),
// with a minimum of 1 part for a zero-size object.
func NumParts(totalSize, partSize int64) int64 {
	if partSize <= 0 {
		return 0
	}
	n := (totalSize + partSize - 1) / partSize
	if n < 1 {
		n = 1
	}
	return n
}

// Range is an inclusive byte range [Start, End].
type Range struct {
	Start, End int64
}

// Ranges partitions [0, totalSize-1] into contiguous inclusive slices of
// at most partSize bytes each. It is the chunk-coverage property from
// spec.md §8: the union of the returned ranges is the whole interval and
// no two ranges overlap.
func Ranges(totalSize, partSize int64) []Range {
	if totalSize <= 0 {
		return nil
	}
	n := NumParts(totalSize, partSize)
	ranges := make([]Range, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * partSize
		end := start + partSize - 1
		if end > totalSize-1 {
			end = totalSize - 1
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}
