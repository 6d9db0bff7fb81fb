// Package mainboilerplate contains shared boilerplate of this project's
// programs: configuration parsing, logging initialization, and diagnostics.
// It's a selection of narrowly scoped helpers, so callers don't buy in to an
// all-or-nothing framework.
package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Version and BuildDate of the binary, set at build time via the linker.
var (
	Version   = "development"
	BuildDate = "unknown"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog configures the logger.
func InitLog(cfg LogConfig) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// DiagnosticsConfig configures pull-based application metrics, debugging and
// diagnostics.
type DiagnosticsConfig struct {
	// Nothing to see here (yet).
}

// InitDiagnosticsAndRecover enables serving of metrics and debugging
// services registered on the default HTTPMux. It also returns a closure
// which should be deferred, which recovers a panic and attempts to log a
// K8s termination message.
func InitDiagnosticsAndRecover(DiagnosticsConfig) func() {
	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars.

	// Serve a liveness check at /debug/ready.
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Serve Prometheus metrics at /debug/metrics.
	http.Handle("/debug/metrics", promhttp.Handler())

	return func() {
		if r := recover(); r != nil {
			// Make a best effort attempt to write a termination message.
			// Bug: https://github.com/kubernetes/kubernetes/issues/31839
			if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

const (
	// k8sTerminationLog is the location to write a termination message for
	// Kubernetes to retrieve.
	//
	// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
	k8sTerminationLog = "/dev/termination-log"
)
