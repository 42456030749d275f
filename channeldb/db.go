package channeldb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

const (
	dbName           = "cswitch.db"
	dbFilePermission = 0600
)

// migration is a function which takes a prior outdated version of the
// database instance and mutates the key/bucket structure to arrive at a
// more up-to-date version of the database.
type migration func(tx *bolt.Tx) error

type version struct {
	number    uint32
	migration migration
}

var (
	// dbVersions stores all versions of the database. If the current
	// version of the database doesn't match the latest version this
	// list is used for retrieving all migration functions that need to
	// be applied to the current db.
	dbVersions = []version{
		{
			// The base DB version requires no migration.
			number:    0,
			migration: nil,
		},
	}

	// Big endian is the preferred byte order, due to cursor scans over
	// integer keys iterating in order.
	byteOrder = binary.BigEndian

	// metaBucket stores the db version.
	metaBucket = []byte("meta")

	// dbVersionKey holds the current schema version.
	dbVersionKey = []byte("version")

	// friendsBucket is the top level bucket holding one sub-bucket per
	// friend public key.
	friendsBucket = []byte("friends")
)

// DB is the primary datastore of a cswitch node. It durably stores the
// friend set, every friend's token channel state and all unresolved
// pending transactions. Ephemeral state such as liveness is never written
// here; it is derivable on reconnect.
type DB struct {
	*bolt.DB
	dbPath string
}

// Open opens (creating if necessary) the database at the given directory.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)

	if !fileExists(path) {
		if err := createDB(dbPath); err != nil {
			return nil, err
		}
	}

	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: bdb, dbPath: dbPath}
	if err := db.syncVersions(dbVersions); err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the directory the database lives in.
func (d *DB) Path() string {
	return d.dbPath
}

// createDB initializes a fresh database file with all required top-level
// buckets.
func createDB(dbPath string) error {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return err
		}
	}

	path := filepath.Join(dbPath, dbName)
	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return err
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(friendsBucket); err != nil {
			return err
		}
		return putVersion(tx, dbVersions[len(dbVersions)-1].number)
	})
	if err != nil {
		return fmt.Errorf("unable to create new db: %v", err)
	}

	return bdb.Close()
}

// syncVersions applies any outstanding migrations and stamps the latest
// version number.
func (d *DB) syncVersions(versions []version) error {
	latest := versions[len(versions)-1].number

	current, err := d.fetchVersion()
	if err != nil {
		return err
	}

	log.Infof("Checking for schema update: latest_version=%v, "+
		"db_version=%v", latest, current)
	if current > latest {
		return fmt.Errorf("db version %d is newer than this build "+
			"supports (%d)", current, latest)
	}
	if current == latest {
		return nil
	}

	log.Infof("Performing database schema migration")

	return d.Update(func(tx *bolt.Tx) error {
		for _, v := range versions {
			if v.number <= current || v.migration == nil {
				continue
			}

			log.Infof("Applying migration #%v", v.number)
			if err := v.migration(tx); err != nil {
				log.Infof("Unable to apply migration #%v",
					v.number)
				return err
			}
		}
		return putVersion(tx, latest)
	})
}

func (d *DB) fetchVersion() (uint32, error) {
	var dbVersion uint32
	err := d.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return ErrMetaNotFound
		}
		raw := meta.Get(dbVersionKey)
		if raw == nil {
			dbVersion = 0
			return nil
		}
		dbVersion = byteOrder.Uint32(raw)
		return nil
	})
	return dbVersion, err
}

func putVersion(tx *bolt.Tx, number uint32) error {
	meta, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}
	var raw [4]byte
	byteOrder.PutUint32(raw[:], number)
	return meta.Put(dbVersionKey, raw[:])
}

func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}
