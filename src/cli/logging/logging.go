// Package logging contains the singleton logger that we use globally.
// It deliberately has little else since it's a dependency everywhere.
package logging

import (
	"os"

	"gopkg.in/op/go-logging.v1"
)

// Log is the singleton logger instance.
// We never alter individual levels and don't log the module name, so there
// is no need to have more than one, and it helps avoid race conditions.
var Log = logging.MustGetLogger("razel")

// Level is a re-export of the library type.
type Level = logging.Level

// Re-exports of various log levels.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)

// Init sets the process' logging verbosity, trimmed down from the
// teacher's InitLogging (src/cli/logging.go): one stderr backend, no file
// backend, no coloured-terminal detection, since razel has no equivalent
// of --log_file or --colour.
func Init(level Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s}: %{message}")
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}
