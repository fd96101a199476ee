// Package journal keeps the summary of every finished calibration run in a
// bbolt database, so the history survives daemon restarts.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
)

var runsBucket = []byte("runs")

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("run not found")

type Journal struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open journal %s", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, pkgerrors.Wrap(err, "failed to create runs bucket")
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func idKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// NextID reserves a run ID. IDs increase monotonically across restarts.
func (j *Journal) NextID() (uint64, error) {
	var id uint64
	err := j.db.Update(func(tx *bbolt.Tx) error {
		var err error
		id, err = tx.Bucket(runsBucket).NextSequence()
		return err
	})
	return id, err
}

// Record stores s under s.ID, reserving an ID first when s.ID is zero.
func (j *Journal) Record(s *calibration.RunSummary) error {
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(runsBucket)
		if s.ID == 0 {
			id, err := b.NextSequence()
			if err != nil {
				return err
			}
			s.ID = id
		}
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return b.Put(idKey(s.ID), data)
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to record run %d", s.ID)
	}
	logrus.WithFields(logrus.Fields{
		"run":     s.ID,
		"outcome": s.Outcome,
	}).Debug("run recorded")
	return nil
}

// Get returns the summary of run id.
func (j *Journal) Get(id uint64) (calibration.RunSummary, error) {
	var s calibration.RunSummary
	err := j.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(runsBucket).Get(idKey(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &s)
	})
	return s, err
}

// List returns up to limit summaries, newest first. A limit of zero or less
// returns all of them.
func (j *Journal) List(limit int) ([]calibration.RunSummary, error) {
	var out []calibration.RunSummary
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(runsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var s calibration.RunSummary
			if err := json.Unmarshal(v, &s); err != nil {
				logrus.WithError(err).WithField("run", binary.BigEndian.Uint64(k)).Warn("skipping unreadable journal entry")
				continue
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}
