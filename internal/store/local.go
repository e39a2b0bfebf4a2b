package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lime/internal/domain"
)

// CreateLocalUser persists a new device identity with its first signed
// prekey and one-time prekey batch in one transaction. The caller invokes
// this only after the server acknowledged the publication.
func (s *Store) CreateLocalUser(ctx context.Context, u domain.LocalUser, spk domain.SignedPreKey, opks []domain.OneTimePreKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO lime_LocalUsers (DeviceId, CurveId, ServerUrl, Ik, IkPub, CreatedAt)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			u.DeviceID, u.CurveID, u.ServerURL, u.IkPriv, u.IkPub, u.CreatedAt.Unix())
		if err != nil {
			return storageErr("insert local user", err)
		}
		if err := insertSPk(ctx, tx, u.DeviceID, spk); err != nil {
			return err
		}
		return insertOPks(ctx, tx, u.DeviceID, opks)
	})
}

// LocalUser loads a device identity.
func (s *Store) LocalUser(ctx context.Context, device domain.DeviceID) (domain.LocalUser, bool, error) {
	var (
		u       = domain.LocalUser{DeviceID: device}
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT CurveId, ServerUrl, Ik, IkPub, CreatedAt FROM lime_LocalUsers WHERE DeviceId = ?`,
		device).Scan(&u.CurveID, &u.ServerURL, &u.IkPriv, &u.IkPub, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LocalUser{}, false, nil
	}
	if err != nil {
		return domain.LocalUser{}, false, storageErr("load local user", err)
	}
	u.CreatedAt = time.Unix(created, 0)
	return u, true, nil
}

// DeleteLocalUser removes the device; prekeys and sessions cascade.
func (s *Store) DeleteLocalUser(ctx context.Context, device domain.DeviceID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM lime_LocalUsers WHERE DeviceId = ?`, device); err != nil {
			return storageErr("delete local user", err)
		}
		return nil
	})
}

// --- signed prekeys ---

func insertSPk(ctx context.Context, tx *sql.Tx, device domain.DeviceID, spk domain.SignedPreKey) error {
	if spk.Active {
		if _, err := tx.ExecContext(ctx,
			`UPDATE lime_X3DH_SPk SET Active = 0 WHERE DeviceId = ?`, device); err != nil {
			return storageErr("demote signed prekeys", err)
		}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO lime_X3DH_SPk (DeviceId, SPkId, Priv, Pub, Sig, Active, CreatedAt)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		device, spk.ID, spk.Priv, spk.Pub, spk.Sig, spk.Active, spk.CreatedAt.Unix())
	if err != nil {
		return storageErr("insert signed prekey", err)
	}
	return nil
}

// AddSignedPreKey stores a rotated signed prekey; when it is active the
// previous one is demoted but retained for in-flight sessions.
func (s *Store) AddSignedPreKey(ctx context.Context, device domain.DeviceID, spk domain.SignedPreKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertSPk(ctx, tx, device, spk)
	})
}

// ActiveSignedPreKey loads the single active signed prekey of a device.
func (s *Store) ActiveSignedPreKey(ctx context.Context, device domain.DeviceID) (domain.SignedPreKey, bool, error) {
	return s.querySPk(ctx,
		`SELECT SPkId, Priv, Pub, Sig, Active, CreatedAt FROM lime_X3DH_SPk
		 WHERE DeviceId = ? AND Active = 1`, device)
}

// SignedPreKey loads one signed prekey by id, active or retained.
func (s *Store) SignedPreKey(ctx context.Context, device domain.DeviceID, id uint32) (domain.SignedPreKey, bool, error) {
	return s.querySPk(ctx,
		`SELECT SPkId, Priv, Pub, Sig, Active, CreatedAt FROM lime_X3DH_SPk
		 WHERE DeviceId = ? AND SPkId = ?`, device, id)
}

func (s *Store) querySPk(ctx context.Context, q string, args ...any) (domain.SignedPreKey, bool, error) {
	var (
		spk     domain.SignedPreKey
		created int64
	)
	err := s.db.QueryRowContext(ctx, q, args...).
		Scan(&spk.ID, &spk.Priv, &spk.Pub, &spk.Sig, &spk.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SignedPreKey{}, false, nil
	}
	if err != nil {
		return domain.SignedPreKey{}, false, storageErr("load signed prekey", err)
	}
	spk.CreatedAt = time.Unix(created, 0)
	return spk, true, nil
}

// DeleteSignedPreKeysBefore purges retained (inactive) signed prekeys older
// than cutoff and reports how many were removed.
func (s *Store) DeleteSignedPreKeysBefore(ctx context.Context, device domain.DeviceID, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lime_X3DH_SPk WHERE DeviceId = ? AND Active = 0 AND CreatedAt < ?`,
		device, cutoff)
	if err != nil {
		return 0, storageErr("purge signed prekeys", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- one-time prekeys ---

func insertOPks(ctx context.Context, tx *sql.Tx, device domain.DeviceID, opks []domain.OneTimePreKey) error {
	for _, o := range opks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lime_X3DH_OPk (DeviceId, OPkId, Priv, Pub) VALUES (?, ?, ?, ?)`,
			device, o.ID, o.Priv, o.Pub); err != nil {
			return storageErr("insert one-time prekey", err)
		}
	}
	return nil
}

// AddOneTimePreKeys stores a generated batch. The caller invokes this only
// after the server acknowledged the upload.
func (s *Store) AddOneTimePreKeys(ctx context.Context, device domain.DeviceID, opks []domain.OneTimePreKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertOPks(ctx, tx, device, opks)
	})
}

// OneTimePreKey loads one unconsumed prekey by id. Consumption happens in
// the SaveSession transaction of the decrypt that uses it.
func (s *Store) OneTimePreKey(ctx context.Context, device domain.DeviceID, id uint32) (domain.OneTimePreKey, bool, error) {
	opk := domain.OneTimePreKey{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT Priv, Pub FROM lime_X3DH_OPk WHERE DeviceId = ? AND OPkId = ?`,
		device, id).Scan(&opk.Priv, &opk.Pub)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OneTimePreKey{}, false, nil
	}
	if err != nil {
		return domain.OneTimePreKey{}, false, storageErr("load one-time prekey", err)
	}
	return opk, true, nil
}
