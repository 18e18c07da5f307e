package proxy

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

func newDigest() hash.Hash { return md5.New() }

func digestHex(h hash.Hash) string { return hex.EncodeToString(h.Sum(nil)) }

// readerChecksum hashes r from the start and rewinds it.
func readerChecksum(r io.ReadSeeker) (string, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := newDigest()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return digestHex(h), nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return readerChecksum(f)
}

// hashPrefix feeds the first n bytes of path into h.
func hashPrefix(path string, n int64, h hash.Hash) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(h, f, n)
	return err
}
