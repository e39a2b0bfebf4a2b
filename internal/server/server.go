package server

import (
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"lime/internal/domain"
)

// Server is the in-memory reference key-distribution server. It backs the
// test suites and cmd/limeserver; a production deployment would persist the
// same dialog behind real storage.
type Server struct {
	log *logrus.Logger

	mu    sync.Mutex
	users map[domain.DeviceID]*serverUser
}

type serverUser struct {
	curve domain.CurveID
	ik    []byte
	spk   domain.SignedPreKeyPublic
	// opks preserves upload order; the oldest key is handed out first.
	opks []domain.OneTimePreKeyPublic
}

// NewServer builds an empty reference server. log may be nil.
func NewServer(log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{log: log, users: make(map[domain.DeviceID]*serverUser)}
}

// ServeHTTP accepts framed dialog requests POSTed with the device id in the
// From header.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post only", http.StatusMethodNotAllowed)
		return
	}
	from := domain.DeviceID(r.Header.Get("From"))
	if from == "" {
		http.Error(w, "missing From header", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(s.Handle(from, body))
}

// Handle processes one framed request and returns the framed response.
func (s *Server) Handle(from domain.DeviceID, req []byte) []byte {
	if len(req) < 3 || req[0] != domain.ProtocolVersion {
		return EncodeError(domain.CurveC25519, StatusBadRequest)
	}
	curve := domain.CurveID(req[1])
	msgType := req[2]
	payload := req[3:]

	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"device":    from,
		"operation": msgType,
	}).Debug("server dialog")

	switch msgType {
	case TypeRegisterUser:
		return s.registerUser(from, curve, payload)
	case TypeDeleteUser:
		delete(s.users, from)
		return EncodeAck(curve, msgType)
	case TypePostSPk:
		return s.postSPk(from, curve, payload)
	case TypePostOPks:
		return s.postOPks(from, curve, payload)
	case TypeGetPeerBundle:
		return s.peerBundle(curve, payload)
	case TypeGetSelfOPks:
		u, ok := s.users[from]
		if !ok {
			return EncodeError(curve, StatusUnknownDevice)
		}
		return EncodeSelfOPks(curve, len(u.opks))
	}
	return EncodeError(curve, StatusBadRequest)
}

// registerUser is idempotent: re-publishing the same device replaces its
// record wholesale, so a client retrying an unacknowledged publish converges.
func (s *Server) registerUser(from domain.DeviceID, curve domain.CurveID, payload []byte) []byte {
	ik, rest, ok := readField(payload)
	if !ok {
		return EncodeError(curve, StatusBadRequest)
	}
	spk, rest, ok := readSPk(rest)
	if !ok {
		return EncodeError(curve, StatusBadRequest)
	}
	opks, _, ok := readOPks(rest)
	if !ok {
		return EncodeError(curve, StatusBadRequest)
	}
	s.users[from] = &serverUser{
		curve: curve,
		ik:    append([]byte(nil), ik...),
		spk:   spk,
		opks:  opks,
	}
	return EncodeAck(curve, TypeRegisterUser)
}

func (s *Server) postSPk(from domain.DeviceID, curve domain.CurveID, payload []byte) []byte {
	u, ok := s.users[from]
	if !ok {
		return EncodeError(curve, StatusUnknownDevice)
	}
	spk, _, ok := readSPk(payload)
	if !ok {
		return EncodeError(curve, StatusBadRequest)
	}
	u.spk = spk
	return EncodeAck(curve, TypePostSPk)
}

func (s *Server) postOPks(from domain.DeviceID, curve domain.CurveID, payload []byte) []byte {
	u, ok := s.users[from]
	if !ok {
		return EncodeError(curve, StatusUnknownDevice)
	}
	opks, _, ok := readOPks(payload)
	if !ok {
		return EncodeError(curve, StatusBadRequest)
	}
	u.opks = append(u.opks, opks...)
	return EncodeAck(curve, TypePostOPks)
}

func (s *Server) peerBundle(curve domain.CurveID, payload []byte) []byte {
	peer, _, ok := readField(payload)
	if !ok {
		return EncodeError(curve, StatusBadRequest)
	}
	u, ok := s.users[domain.DeviceID(peer)]
	if !ok {
		return EncodeError(curve, StatusNoBundle)
	}
	b := domain.KeyBundle{
		DeviceID: domain.DeviceID(peer),
		CurveID:  u.curve,
		Ik:       u.ik,
		SPkID:    u.spk.ID,
		SPk:      u.spk.Pub,
		SPkSig:   u.spk.Sig,
	}
	if len(u.opks) > 0 {
		b.OPkID, b.OPk = u.opks[0].ID, u.opks[0].Pub
		u.opks = u.opks[1:]
	}
	return EncodeBundle(b)
}

// OPkCount reports the remaining one-time prekeys for a device. Test hook.
func (s *Server) OPkCount(device domain.DeviceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[device]; ok {
		return len(u.opks)
	}
	return 0
}
