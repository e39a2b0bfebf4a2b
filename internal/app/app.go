package app

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"lime/internal/server"
	"lime/internal/services/device"
	"lime/internal/store"
)

// Config holds runtime wiring options.
type Config struct {
	DBPath    string         // SQLite database path
	ServerURL string         // key server base URL
	HTTP      *http.Client   // optional; defaults to http.DefaultClient
	Logger    *logrus.Logger // optional; defaults to the standard logger
}

// Wire bundles the store, server client and manager for the CLI.
type Wire struct {
	Store   *store.Store
	Client  *server.Client
	Manager *device.Manager
}

// NewWire constructs the dependency graph from cfg.
func NewWire(cfg Config) (*Wire, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return nil, err
	}
	client := server.NewClient(cfg.ServerURL, cfg.HTTP, log)
	mgr := device.New(st, client, device.WithLogger(log))
	return &Wire{Store: st, Client: client, Manager: mgr}, nil
}

// Close releases the store.
func (w *Wire) Close() error { return w.Store.Close() }
