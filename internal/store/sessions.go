package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lime/internal/domain"
)

const sessionColumns = `Id, DeviceId, PeerDeviceId, CurveId, Status, RootKey, DHPriv, DHPub,
	PeerDHPub, SendCK, RecvCK, Ns, Nr, PN, AD, PendingInit, InitBlob, FailedDecrypts,
	CreatedAt, UpdatedAt`

// ActiveSession loads the single active session for a (local, peer) pair.
func (s *Store) ActiveSession(ctx context.Context, local, peer domain.DeviceID) (domain.RatchetState, bool, error) {
	return s.querySession(ctx,
		`SELECT `+sessionColumns+` FROM lime_DR_sessions
		 WHERE DeviceId = ? AND PeerDeviceId = ? AND Status = ?`,
		local, peer, domain.SessionActive)
}

// SessionsWithInit finds the session a byte-identical X3DH init established,
// preferring the active one.
func (s *Store) SessionsWithInit(ctx context.Context, local, peer domain.DeviceID, init []byte) (domain.RatchetState, bool, error) {
	return s.querySession(ctx,
		`SELECT `+sessionColumns+` FROM lime_DR_sessions
		 WHERE DeviceId = ? AND PeerDeviceId = ? AND InitBlob = ?
		 ORDER BY Status DESC, Id DESC LIMIT 1`,
		local, peer, init)
}

// Sessions lists every retained session for the pair, the active one first,
// then stale ones most recently used first. Stale sessions still decrypt
// late messages during their retention window.
func (s *Store) Sessions(ctx context.Context, local, peer domain.DeviceID) ([]domain.RatchetState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT Id FROM lime_DR_sessions
		 WHERE DeviceId = ? AND PeerDeviceId = ?
		 ORDER BY Status DESC, UpdatedAt DESC`, local, peer)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storageErr("scan session id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sessions", err)
	}

	out := make([]domain.RatchetState, 0, len(ids))
	for _, id := range ids {
		st, ok, err := s.querySession(ctx,
			`SELECT `+sessionColumns+` FROM lime_DR_sessions WHERE Id = ?`, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) querySession(ctx context.Context, q string, args ...any) (domain.RatchetState, bool, error) {
	var (
		st               domain.RatchetState
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&st.ID, &st.LocalDevice, &st.PeerDevice, &st.CurveID, &st.Status,
		&st.RootKey, &st.DHPriv, &st.DHPub, &st.PeerDHPub, &st.SendCK, &st.RecvCK,
		&st.Ns, &st.Nr, &st.PN, &st.AD, &st.PendingInit, &st.InitBlob,
		&st.FailedDecrypts, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RatchetState{}, false, nil
	}
	if err != nil {
		return domain.RatchetState{}, false, storageErr("load session", err)
	}
	st.CreatedAt, st.UpdatedAt = time.Unix(created, 0), time.Unix(updated, 0)
	if err := s.loadSkipped(ctx, &st); err != nil {
		return domain.RatchetState{}, false, err
	}
	return st, true, nil
}

func (s *Store) loadSkipped(ctx context.Context, st *domain.RatchetState) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.DHr, m.Nr, m.Mk FROM lime_DR_MSk_Mk m
		 JOIN lime_DR_MSk_DHr d ON d.DHid = m.DHid
		 WHERE d.SessionId = ? ORDER BY m.rowid`, st.ID)
	if err != nil {
		return storageErr("load skipped keys", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sk domain.SkippedKey
		if err := rows.Scan(&sk.DHPub, &sk.N, &sk.MK); err != nil {
			return storageErr("scan skipped key", err)
		}
		st.Skipped = append(st.Skipped, sk)
	}
	return rows.Err()
}

// SaveSession commits a session and everything that must persist with it in
// one transaction: the skipped-key cache, the demotion of older active
// sessions for the pair, and — when the session was established by consuming
// a one-time prekey — the durable deletion of that prekey. Either all of it
// persists or none.
func (s *Store) SaveSession(ctx context.Context, st *domain.RatchetState, consumeOPk uint32) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		st.UpdatedAt = time.Now()
		if st.ID == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO lime_DR_sessions
				 (DeviceId, PeerDeviceId, CurveId, Status, RootKey, DHPriv, DHPub, PeerDHPub,
				  SendCK, RecvCK, Ns, Nr, PN, AD, PendingInit, InitBlob, FailedDecrypts,
				  CreatedAt, UpdatedAt)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				st.LocalDevice, st.PeerDevice, st.CurveID, st.Status, st.RootKey,
				st.DHPriv, st.DHPub, st.PeerDHPub, st.SendCK, st.RecvCK,
				st.Ns, st.Nr, st.PN, st.AD, st.PendingInit, st.InitBlob, st.FailedDecrypts,
				st.CreatedAt.Unix(), st.UpdatedAt.Unix())
			if err != nil {
				return storageErr("insert session", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return storageErr("session id", err)
			}
			st.ID = id
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE lime_DR_sessions SET Status = ?, RootKey = ?, DHPriv = ?, DHPub = ?,
				 PeerDHPub = ?, SendCK = ?, RecvCK = ?, Ns = ?, Nr = ?, PN = ?,
				 PendingInit = ?, FailedDecrypts = ?, UpdatedAt = ? WHERE Id = ?`,
				st.Status, st.RootKey, st.DHPriv, st.DHPub, st.PeerDHPub,
				st.SendCK, st.RecvCK, st.Ns, st.Nr, st.PN,
				st.PendingInit, st.FailedDecrypts, st.UpdatedAt.Unix(), st.ID); err != nil {
				return storageErr("update session", err)
			}
		}

		if st.Status == domain.SessionActive {
			if _, err := tx.ExecContext(ctx,
				`UPDATE lime_DR_sessions SET Status = ?
				 WHERE DeviceId = ? AND PeerDeviceId = ? AND Id != ? AND Status = ?`,
				domain.SessionStale, st.LocalDevice, st.PeerDevice, st.ID,
				domain.SessionActive); err != nil {
				return storageErr("demote sessions", err)
			}
		}

		if err := saveSkipped(ctx, tx, st); err != nil {
			return err
		}

		if consumeOPk != 0 {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM lime_X3DH_OPk WHERE DeviceId = ? AND OPkId = ?`,
				st.LocalDevice, consumeOPk)
			if err != nil {
				return storageErr("consume one-time prekey", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return domain.Errf(domain.KindProtocol,
					"one-time prekey %d already consumed", consumeOPk)
			}
		}
		return nil
	})
}

// saveSkipped rewrites the session's skipped-key cache. The cache is bounded
// and usually tiny, so replace-wholesale beats diffing.
func saveSkipped(ctx context.Context, tx *sql.Tx, st *domain.RatchetState) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lime_DR_MSk_DHr WHERE SessionId = ?`, st.ID); err != nil {
		return storageErr("clear skipped keys", err)
	}
	dhIDs := make(map[string]int64)
	for _, sk := range st.Skipped {
		dhID, ok := dhIDs[string(sk.DHPub)]
		if !ok {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO lime_DR_MSk_DHr (SessionId, DHr) VALUES (?, ?)`,
				st.ID, sk.DHPub)
			if err != nil {
				return storageErr("insert skipped chain", err)
			}
			if dhID, err = res.LastInsertId(); err != nil {
				return storageErr("skipped chain id", err)
			}
			dhIDs[string(sk.DHPub)] = dhID
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lime_DR_MSk_Mk (DHid, Nr, Mk) VALUES (?, ?, ?)`,
			dhID, sk.N, sk.MK); err != nil {
			return storageErr("insert skipped key", err)
		}
	}
	return nil
}

// DeleteSession removes an invalidated session; its skipped keys cascade.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM lime_DR_sessions WHERE Id = ?`, id); err != nil {
			return storageErr("delete session", err)
		}
		return nil
	})
}

// PurgeStaleSessions removes stale sessions untouched since cutoff, after
// the retention window.
func (s *Store) PurgeStaleSessions(ctx context.Context, local domain.DeviceID, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lime_DR_sessions WHERE DeviceId = ? AND Status = ? AND UpdatedAt < ?`,
		local, domain.SessionStale, cutoff)
	if err != nil {
		return 0, storageErr("purge sessions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
