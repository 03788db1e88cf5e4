package protocol

import (
	"strings"

	"github.com/packgate/packgate/pkg/storage"
)

// SplitChecksumSuffix strips a checksum-request suffix from a filename.
// `lib-1.0.jar.sha1` means "the SHA1 digest of lib-1.0.jar as text/plain",
// not a file literally named that. Returns the base filename and the
// requested algorithm, or the input unchanged and "" when no suffix is
// present.
func SplitChecksumSuffix(filename string) (string, storage.ChecksumAlg) {
	for _, alg := range []storage.ChecksumAlg{storage.ChecksumMD5, storage.ChecksumSHA1, storage.ChecksumSHA256} {
		suffix := "." + string(alg)
		if strings.HasSuffix(filename, suffix) && len(filename) > len(suffix) {
			return strings.TrimSuffix(filename, suffix), alg
		}
	}
	return filename, ""
}
