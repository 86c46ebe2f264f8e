// Package debug hosts the optional HTTP server that exposes pprof profiles
// and the Prometheus metrics endpoint while the game server runs.
package debug

import (
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StartUtilities launches the debug HTTP server on localhost at the given
// port. It serves the standard pprof endpoints under /debug/pprof/ and the
// Prometheus scrape endpoint at /metrics. Failures are logged, not fatal;
// the game server runs fine without its debug port.
func StartUtilities(logger *logrus.Logger, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/metrics", promhttp.Handler())

	listenerAddr := fmt.Sprintf("localhost:%d", port)
	logger.Infof("starting debug server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, mux); err != nil {
			logger.Warnf("error starting debug server: %s", err)
		}
	}()
}
