package worker

import (
	"os"
	"strings"

	"devsuite/internal/logging"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("DEVSUITE_WORKER_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if workerDebugEnabled {
		log := logging.Base()
		log.Debug().Str("component", "worker").Msgf(format, args...)
	}
}
