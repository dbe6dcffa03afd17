// Package blobstore is a content-addressed store for attachment/blob
// payloads referenced from document bodies, keyed by their "sha1-<base64>"
// digest the way Couchbase Lite blob references are keyed.
package blobstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/revsync/pkg/rerror"
)

var bucketBlobs = []byte("blobs")

// Store persists blobs in their own bbolt database, separate from
// document/checkpoint state so a large attachment write never blocks a
// document transaction.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a blob database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: failed to open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Digest computes the content-addressed key for content.
func Digest(content []byte) string {
	sum := sha1.Sum(content)
	return "sha1-" + base64.StdEncoding.EncodeToString(sum[:])
}

// Has reports whether a blob with the given digest is already stored.
func (s *Store) Has(digest string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketBlobs).Get([]byte(digest)) != nil
		return nil
	})
	return found, err
}

// OpenRead returns a reader over the blob stored under digest.
func (s *Store) OpenRead(digest string) (io.ReadCloser, error) {
	var content []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(digest))
		if v == nil {
			return rerror.New(rerror.DomainLiteCore, rerror.CodeNotFound, "blob not found: "+digest, nil)
		}
		content = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// WriteStream accumulates bytes written to it; Install on the returned
// handle verifies the content against expectedDigest (if non-empty) and
// stores it.
type WriteStream struct {
	store  *Store
	buf    bytes.Buffer
}

// NewWriteStream opens a write stream for a blob whose final digest is
// not yet known (or is expectedDigest, validated on Install).
func (s *Store) NewWriteStream() *WriteStream {
	return &WriteStream{store: s}
}

func (w *WriteStream) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Install computes the digest of everything written and stores it. If
// expectedDigest is non-empty, a mismatch fails without storing.
func (w *WriteStream) Install(expectedDigest string) (string, error) {
	content := w.buf.Bytes()
	digest := Digest(content)
	if expectedDigest != "" && digest != expectedDigest {
		return "", rerror.New(rerror.DomainLiteCore, rerror.CodeCorruptRevisionData,
			fmt.Sprintf("blob digest mismatch: expected %s, got %s", expectedDigest, digest), nil)
	}
	err := w.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(digest), content)
	})
	if err != nil {
		return "", err
	}
	return digest, nil
}
