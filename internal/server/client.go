package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"lime/internal/domain"
)

// Client speaks the framed dialog against a key-distribution server over
// HTTP. Every request is a POST of one length-framed buffer to the single
// server URL, with the local device id in the From header. One request per
// (device, operation) is in flight at a time; callers queue behind it.
type Client struct {
	url  string
	http *http.Client
	log  *logrus.Logger

	mu    sync.Mutex
	slots map[string]*sync.Mutex
}

// NewClient builds a dialog client. httpClient and log may be nil.
func NewClient(url string, httpClient *http.Client, log *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{url: url, http: httpClient, log: log, slots: make(map[string]*sync.Mutex)}
}

var _ domain.ServerClient = (*Client)(nil)

// RegisterUser publishes a new device: identity, signed prekey, OPk batch.
func (c *Client) RegisterUser(ctx context.Context, from domain.DeviceID, curve domain.CurveID, ik []byte, spk domain.SignedPreKeyPublic, opks []domain.OneTimePreKeyPublic) error {
	_, err := c.roundTrip(ctx, from, TypeRegisterUser, EncodeRegisterUser(curve, ik, spk, opks))
	return err
}

// DeleteUser removes the device and all its published keys.
func (c *Client) DeleteUser(ctx context.Context, from domain.DeviceID) error {
	// The curve tag is irrelevant to deletion but the framing requires one.
	_, err := c.roundTrip(ctx, from, TypeDeleteUser, EncodeDeleteUser(domain.CurveC25519))
	return err
}

// PostSignedPreKey uploads a rotated signed prekey.
func (c *Client) PostSignedPreKey(ctx context.Context, from domain.DeviceID, curve domain.CurveID, spk domain.SignedPreKeyPublic) error {
	_, err := c.roundTrip(ctx, from, TypePostSPk, EncodePostSPk(curve, spk))
	return err
}

// PostOneTimePreKeys uploads a batch of one-time prekeys.
func (c *Client) PostOneTimePreKeys(ctx context.Context, from domain.DeviceID, curve domain.CurveID, opks []domain.OneTimePreKeyPublic) error {
	_, err := c.roundTrip(ctx, from, TypePostOPks, EncodePostOPks(curve, opks))
	return err
}

// GetPeerBundle fetches the key bundle of one peer device. The server
// consumes one of the peer's one-time prekeys when it has any.
func (c *Client) GetPeerBundle(ctx context.Context, from domain.DeviceID, curve domain.CurveID, peer domain.DeviceID) (domain.KeyBundle, error) {
	payload, err := c.roundTrip(ctx, from, TypeGetPeerBundle, EncodeGetPeerBundle(curve, peer))
	if err != nil {
		return domain.KeyBundle{}, err
	}
	return DecodeBundle(curve, payload)
}

// GetSelfOneTimePreKeyCount asks how many of the caller's one-time prekeys
// the server still holds.
func (c *Client) GetSelfOneTimePreKeyCount(ctx context.Context, from domain.DeviceID, curve domain.CurveID) (int, error) {
	payload, err := c.roundTrip(ctx, from, TypeGetSelfOPks, EncodeGetSelfOPks(curve))
	if err != nil {
		return 0, err
	}
	if len(payload) < 2 {
		return 0, errMalformed()
	}
	return int(binary.BigEndian.Uint16(payload)), nil
}

// roundTrip posts one framed request and returns the response payload
// (bytes after the status byte).
func (c *Client) roundTrip(ctx context.Context, from domain.DeviceID, op byte, body []byte) ([]byte, error) {
	slot := c.slot(from, op)
	slot.Lock()
	defer slot.Unlock()

	c.log.WithFields(logrus.Fields{
		"device":    from,
		"operation": fmt.Sprintf("0x%02x", op),
	}).Debug("server dialog request")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Errf(domain.KindArgument, "server request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("From", from.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.Errf(domain.KindNetwork, "server dialog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.Errf(domain.KindNetwork, "server returned %s", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Errf(domain.KindNetwork, "server response: %w", err)
	}
	return parseResponse(op, raw)
}

func parseResponse(op byte, raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, errMalformed()
	}
	if raw[0] != domain.ProtocolVersion {
		return nil, domain.Errf(domain.KindProtocol, "server protocol version 0x%02x", raw[0])
	}
	msgType, status := raw[2], raw[3]
	if msgType == TypeError || status != StatusOK {
		// A refusal the server answered is a dialog-level condition, not a
		// transport failure.
		if op == TypeGetPeerBundle && (status == StatusNoBundle || status == StatusUnknownDevice) {
			return nil, domain.Errf(domain.KindProtocol, "%w (status %d)", domain.ErrBundleNotFound, status)
		}
		return nil, domain.Errf(domain.KindProtocol, "server refused operation 0x%02x with status %d", op, status)
	}
	switch {
	case op == TypeGetPeerBundle && msgType != TypeBundle,
		op == TypeGetSelfOPks && msgType != TypeSelfOPks:
		return nil, domain.Errf(domain.KindProtocol, "unexpected server response type 0x%02x", msgType)
	}
	return raw[4:], nil
}

func (c *Client) slot(from domain.DeviceID, op byte) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%s/%d", from, op)
	m, ok := c.slots[key]
	if !ok {
		m = &sync.Mutex{}
		c.slots[key] = m
	}
	return m
}
