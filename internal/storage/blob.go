package storage

import "io"

// BlobStore holds user-uploaded binaries, currently avatar images.
type BlobStore interface {
	Put(key string, r io.Reader) (string, error) // returns canonical key
	Get(key string) (io.ReadCloser, error)
	Delete(key string) error
}
