package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"lime/internal/domain"
)

// Store persists device identities, prekey material, peer trust and Double
// Ratchet sessions in one SQLite database. A single Store owns the file;
// opening a second Store on the same path is not supported. Writes are
// serialized by the Store's own mutex on top of SQLite's locking.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
	mu  sync.Mutex
}

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS lime_LocalUsers (
	DeviceId   TEXT PRIMARY KEY,
	CurveId    INTEGER NOT NULL,
	ServerUrl  TEXT NOT NULL,
	Ik         BLOB NOT NULL,
	IkPub      BLOB NOT NULL,
	CreatedAt  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lime_X3DH_SPk (
	DeviceId   TEXT NOT NULL REFERENCES lime_LocalUsers(DeviceId) ON DELETE CASCADE,
	SPkId      INTEGER NOT NULL,
	Priv       BLOB NOT NULL,
	Pub        BLOB NOT NULL,
	Sig        BLOB NOT NULL,
	Active     INTEGER NOT NULL DEFAULT 0,
	CreatedAt  INTEGER NOT NULL,
	PRIMARY KEY (DeviceId, SPkId)
);

CREATE TABLE IF NOT EXISTS lime_X3DH_OPk (
	DeviceId   TEXT NOT NULL REFERENCES lime_LocalUsers(DeviceId) ON DELETE CASCADE,
	OPkId      INTEGER NOT NULL,
	Priv       BLOB NOT NULL,
	Pub        BLOB NOT NULL,
	PRIMARY KEY (DeviceId, OPkId)
);

CREATE TABLE IF NOT EXISTS lime_PeerDevices (
	PeerDeviceId TEXT PRIMARY KEY,
	UserId       TEXT NOT NULL,
	Ik           BLOB,
	Status       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lime_DR_sessions (
	Id           INTEGER PRIMARY KEY AUTOINCREMENT,
	DeviceId     TEXT NOT NULL REFERENCES lime_LocalUsers(DeviceId) ON DELETE CASCADE,
	PeerDeviceId TEXT NOT NULL,
	CurveId      INTEGER NOT NULL,
	Status       INTEGER NOT NULL,
	RootKey      BLOB,
	DHPriv       BLOB,
	DHPub        BLOB,
	PeerDHPub    BLOB,
	SendCK       BLOB,
	RecvCK       BLOB,
	Ns           INTEGER NOT NULL DEFAULT 0,
	Nr           INTEGER NOT NULL DEFAULT 0,
	PN           INTEGER NOT NULL DEFAULT 0,
	AD           BLOB,
	PendingInit  BLOB,
	InitBlob     BLOB,
	FailedDecrypts INTEGER NOT NULL DEFAULT 0,
	CreatedAt    INTEGER NOT NULL,
	UpdatedAt    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_DR_sessions_pair
	ON lime_DR_sessions (DeviceId, PeerDeviceId, Status);

CREATE TABLE IF NOT EXISTS lime_DR_MSk_DHr (
	DHid      INTEGER PRIMARY KEY AUTOINCREMENT,
	SessionId INTEGER NOT NULL REFERENCES lime_DR_sessions(Id) ON DELETE CASCADE,
	DHr       BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS lime_DR_MSk_Mk (
	DHid INTEGER NOT NULL REFERENCES lime_DR_MSk_DHr(DHid) ON DELETE CASCADE,
	Nr   INTEGER NOT NULL,
	Mk   BLOB NOT NULL,
	PRIMARY KEY (DHid, Nr)
);
`

// Open creates or opens the database at path and bootstraps the schema.
func Open(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := sql.Open("sqlite",
		fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, domain.Errf(domain.KindStorage, "open database: %w", err)
	}
	// The store is single-writer; one connection keeps SQLite happy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, domain.Errf(domain.KindStorage, "bootstrap schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

var _ domain.Store = (*Store)(nil)

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Errf(domain.KindStorage, "begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Errf(domain.KindStorage, "commit: %w", err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return domain.Errf(domain.KindStorage, "%s: %w", op, err)
}
