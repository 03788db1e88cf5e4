package storage

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// digestWriter computes all three digests of a stream in one pass. Blob
// store implementations tee writes through it so checksums are never
// recomputed after the fact.
type digestWriter struct {
	md5    hash.Hash
	sha1   hash.Hash
	sha256 hash.Hash
	size   int64
}

func newDigestWriter() *digestWriter {
	return &digestWriter{
		md5:    md5.New(),
		sha1:   sha1.New(),
		sha256: sha256.New(),
	}
}

func (d *digestWriter) Write(p []byte) (int, error) {
	d.md5.Write(p)
	d.sha1.Write(p)
	d.sha256.Write(p)
	d.size += int64(len(p))
	return len(p), nil
}

func (d *digestWriter) sums() ChecksumSet {
	return ChecksumSet{
		MD5:    hex.EncodeToString(d.md5.Sum(nil)),
		SHA1:   hex.EncodeToString(d.sha1.Sum(nil)),
		SHA256: hex.EncodeToString(d.sha256.Sum(nil)),
	}
}

// DigestReader wraps r so that digests accumulate as the stream is consumed
func DigestReader(r io.Reader) (io.Reader, func() (ChecksumSet, int64)) {
	dw := newDigestWriter()
	return io.TeeReader(r, dw), func() (ChecksumSet, int64) {
		return dw.sums(), dw.size
	}
}

// ComputeChecksums digests a byte slice. Used by tests and small writes.
func ComputeChecksums(data []byte) ChecksumSet {
	dw := newDigestWriter()
	dw.Write(data)
	return dw.sums()
}
