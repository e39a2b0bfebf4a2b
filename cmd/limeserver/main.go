// limeserver runs the in-memory reference key-distribution server. It keeps
// published bundles for the lifetime of the process; use it for development
// and integration testing.
package main

import (
	"flag"
	"net/http"

	"github.com/sirupsen/logrus"

	"lime/internal/server"
)

func main() {
	addr := flag.String("addr", ":8083", "listen address")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	srv := server.NewServer(log)
	log.WithField("addr", *addr).Info("lime key server listening")
	if err := http.ListenAndServe(*addr, srv); err != nil {
		log.WithError(err).Fatal("listen")
	}
}
