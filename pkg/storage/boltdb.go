package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/revsync/pkg/rerror"
	"github.com/cuemby/revsync/pkg/types"
)

var (
	bucketDocs            = []byte("docs")
	bucketSeqs            = []byte("seqs")
	bucketRemoteAncestors = []byte("remote_ancestors")
	bucketLocalCheckpoint = []byte("checkpoints_local")
	bucketPeerCheckpoint  = []byte("checkpoints_peer")
	bucketInfo            = []byte("info")
	bucketRemoteRegistry  = []byte("remote_registry")
)

// BoltStore implements Store on top of go.etcd.io/bbolt, the same
// embedded key-value engine the teacher uses for cluster state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "revsync.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			bucketDocs, bucketSeqs, bucketRemoteAncestors,
			bucketLocalCheckpoint, bucketPeerCheckpoint, bucketInfo, bucketRemoteRegistry,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func docKey(collection types.Collection, docID string) []byte {
	return []byte(collection.String() + "\x00" + docID)
}

func seqKey(collection types.Collection, seq uint64) []byte {
	buf := make([]byte, len(collection.String())+1+8)
	n := copy(buf, collection.String())
	buf[n] = 0
	binary.BigEndian.PutUint64(buf[n+1:], seq)
	return buf
}

func ancestorKey(collection types.Collection, docID string, remoteDBID uint32) []byte {
	buf := make([]byte, 0, len(collection.String())+1+len(docID)+1+4)
	buf = append(buf, []byte(collection.String())...)
	buf = append(buf, 0)
	buf = append(buf, []byte(docID)...)
	buf = append(buf, 0)
	var rid [4]byte
	binary.BigEndian.PutUint32(rid[:], remoteDBID)
	buf = append(buf, rid[:]...)
	return buf
}

func lastSeqKey(collection types.Collection) []byte {
	return []byte("last_seq\x00" + collection.String())
}

func (s *BoltStore) PutDocument(doc *types.Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putDocumentTx(tx, doc)
	})
}

func (s *BoltStore) putDocumentTx(tx *bolt.Tx, doc *types.Document) error {
	if doc.Sequence == 0 {
		seq, err := s.nextSequenceTx(tx, doc.Collection)
		if err != nil {
			return err
		}
		doc.Sequence = seq
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketDocs).Put(docKey(doc.Collection, doc.ID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketSeqs).Put(seqKey(doc.Collection, doc.Sequence), []byte(doc.ID))
}

func (s *BoltStore) nextSequenceTx(tx *bolt.Tx, collection types.Collection) (uint64, error) {
	b := tx.Bucket(bucketSeqs)
	key := lastSeqKey(collection)
	var last uint64
	if v := b.Get(key); v != nil {
		last = binary.BigEndian.Uint64(v)
	}
	last++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], last)
	if err := b.Put(key, buf[:]); err != nil {
		return 0, err
	}
	return last, nil
}

func (s *BoltStore) GetDocument(collection types.Collection, docID string) (*types.Document, error) {
	var doc types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocs).Get(docKey(collection, docID))
		if data == nil {
			return rerror.New(rerror.DomainLiteCore, rerror.CodeNotFound, "document not found: "+docID, nil)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *BoltStore) ChangesSince(collection types.Collection, since uint64, limit int) ([]*types.Document, error) {
	var docs []*types.Document
	err := s.db.View(func(tx *bolt.Tx) error {
		seqs := tx.Bucket(bucketSeqs)
		docsB := tx.Bucket(bucketDocs)
		c := seqs.Cursor()
		start := seqKey(collection, since+1)
		for k, v := c.Seek(start); k != nil && len(docs) < limit; k, v = c.Next() {
			prefix := collection.String() + "\x00"
			if len(k) < len(prefix) || string(k[:len(prefix)]) != prefix {
				break
			}
			if len(v) == 0 {
				continue // no doc ID recorded; last_seq marker rows stop at the prefix check above
			}
			data := docsB.Get(docKey(collection, string(v)))
			if data == nil {
				continue
			}
			var doc types.Document
			if err := json.Unmarshal(data, &doc); err != nil {
				return err
			}
			docs = append(docs, &doc)
		}
		return nil
	})
	return docs, err
}

func (s *BoltStore) LastSequence(collection types.Collection) (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSeqs).Get(lastSeqKey(collection)); v != nil {
			last = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return last, err
}

func (s *BoltStore) PurgeDocument(collection types.Collection, docID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.purgeDocumentTx(tx, collection, docID)
	})
}

func (s *BoltStore) purgeDocumentTx(tx *bolt.Tx, collection types.Collection, docID string) error {
	return tx.Bucket(bucketDocs).Delete(docKey(collection, docID))
}

func (s *BoltStore) GetRemoteAncestor(collection types.Collection, docID string, remoteDBID uint32) (types.RevID, bool, error) {
	var rev types.RevID
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRemoteAncestors).Get(ancestorKey(collection, docID, remoteDBID))
		if v != nil {
			rev = types.RevID(v)
			found = true
		}
		return nil
	})
	return rev, found, err
}

func (s *BoltStore) SetRemoteAncestor(collection types.Collection, docID string, remoteDBID uint32, revID types.RevID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.setRemoteAncestorTx(tx, collection, docID, remoteDBID, revID)
	})
}

func (s *BoltStore) setRemoteAncestorTx(tx *bolt.Tx, collection types.Collection, docID string, remoteDBID uint32, revID types.RevID) error {
	return tx.Bucket(bucketRemoteAncestors).Put(ancestorKey(collection, docID, remoteDBID), []byte(revID))
}

func (s *BoltStore) GetLocalCheckpoint(checkpointID string) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLocalCheckpoint).Get([]byte(checkpointID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &cp)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &cp, nil
}

func (s *BoltStore) SetLocalCheckpoint(checkpointID string, cp *types.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocalCheckpoint).Put([]byte(checkpointID), data)
	})
}

type peerCheckpointRecord struct {
	Rev  string          `json:"rev"`
	Body json.RawMessage `json:"body"`
}

func (s *BoltStore) GetPeerCheckpoint(clientID string) (string, []byte, error) {
	var rec peerCheckpointRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPeerCheckpoint).Get([]byte(clientID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, nil
	}
	return rec.Rev, rec.Body, nil
}

func (s *BoltStore) SetPeerCheckpoint(clientID, matchRev string, body []byte) (string, error) {
	var newRev string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeerCheckpoint)
		gen := 1
		if v := b.Get([]byte(clientID)); v != nil {
			var rec peerCheckpointRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if matchRev != "" && matchRev != rec.Rev {
				return rerror.New(rerror.DomainLiteCore, rerror.CodeConflict, "checkpoint rev mismatch", nil)
			}
			if _, err := fmt.Sscanf(rec.Rev, "%d-cc", &gen); err == nil {
				gen++
			}
		}
		newRev = fmt.Sprintf("%d-cc", gen)
		data, err := json.Marshal(peerCheckpointRecord{Rev: newRev, Body: body})
		if err != nil {
			return err
		}
		return b.Put([]byte(clientID), data)
	})
	return newRev, err
}

func (s *BoltStore) GetInfo(key string) (string, bool, error) {
	var value string
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInfo).Get([]byte(key))
		if v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (s *BoltStore) SetInfo(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInfo).Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) RemoteDBID(remoteIdentity string) (uint32, error) {
	var id uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRemoteRegistry)
		if v := b.Get([]byte(remoteIdentity)); v != nil {
			id = binary.BigEndian.Uint32(v)
			return nil
		}
		next, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = uint32(next)
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], id)
		return b.Put([]byte(remoteIdentity), buf[:])
	})
	return id, err
}

// boltTx implements Tx over a single open *bolt.Tx for WithTx.
type boltTx struct {
	store *BoltStore
	tx    *bolt.Tx
}

func (t *boltTx) PutDocument(doc *types.Document) error {
	return t.store.putDocumentTx(t.tx, doc)
}

func (t *boltTx) SetRemoteAncestor(collection types.Collection, docID string, remoteDBID uint32, revID types.RevID) error {
	return t.store.setRemoteAncestorTx(t.tx, collection, docID, remoteDBID, revID)
}

func (t *boltTx) PurgeDocument(collection types.Collection, docID string) error {
	return t.store.purgeDocumentTx(t.tx, collection, docID)
}

func (s *BoltStore) WithTx(fn func(Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{store: s, tx: tx})
	})
}
