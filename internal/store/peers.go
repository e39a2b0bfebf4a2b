package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"

	"lime/internal/domain"
)

// PeerDevice loads the identity and trust record of a peer device.
func (s *Store) PeerDevice(ctx context.Context, device domain.DeviceID) (domain.PeerDevice, bool, error) {
	p := domain.PeerDevice{DeviceID: device}
	err := s.db.QueryRowContext(ctx,
		`SELECT UserId, Ik, Status FROM lime_PeerDevices WHERE PeerDeviceId = ?`,
		device).Scan(&p.UserID, &p.Ik, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PeerDevice{}, false, nil
	}
	if err != nil {
		return domain.PeerDevice{}, false, storageErr("load peer device", err)
	}
	return p, true, nil
}

// SetPeerDevice stores or updates a peer record. Once an identity key is on
// record, presenting a different one forces the durable status PeerFail and
// returns a peer-trust error; there is no silent overwrite.
func (s *Store) SetPeerDevice(ctx context.Context, peer domain.PeerDevice) error {
	var conflict error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			storedIk     []byte
			storedStatus domain.PeerStatus
		)
		err := tx.QueryRowContext(ctx,
			`SELECT Ik, Status FROM lime_PeerDevices WHERE PeerDeviceId = ?`,
			peer.DeviceID).Scan(&storedIk, &storedStatus)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO lime_PeerDevices (PeerDeviceId, UserId, Ik, Status) VALUES (?, ?, ?, ?)`,
				peer.DeviceID, peer.UserID, peer.Ik, peer.Status)
			if err != nil {
				return storageErr("insert peer device", err)
			}
			return nil
		case err != nil:
			return storageErr("load peer device", err)
		}

		if len(storedIk) > 0 && len(peer.Ik) > 0 && !bytes.Equal(storedIk, peer.Ik) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE lime_PeerDevices SET Status = ? WHERE PeerDeviceId = ?`,
				domain.PeerFail, peer.DeviceID); err != nil {
				return storageErr("mark peer failed", err)
			}
			// Commit the fail state; the conflict is reported after the
			// transaction so the rollback path does not undo it.
			conflict = domain.Errf(domain.KindPeerTrust,
				"conflicting identity key for peer device %s", peer.DeviceID)
			return nil
		}
		if storedStatus == domain.PeerFail {
			return domain.Errf(domain.KindPeerTrust,
				"peer device %s is in failed state", peer.DeviceID)
		}

		ik := peer.Ik
		if len(ik) == 0 {
			ik = storedIk
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE lime_PeerDevices SET UserId = ?, Ik = ?, Status = ? WHERE PeerDeviceId = ?`,
			peer.UserID, ik, peer.Status, peer.DeviceID); err != nil {
			return storageErr("update peer device", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return conflict
}
