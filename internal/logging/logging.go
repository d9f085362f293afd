// Package logging provides the pair-of-file-loggers idiom used across
// gridkeep's services: one logger for informational lines, one for errors,
// both line-prefixed with date/time/file like the rest of the pack (the
// stderr fallback prefixes date/time and the component name, not the file).
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
)

const dir = "./logs"

// New returns an info logger and an error logger for the named component,
// writing to ./logs/<component>.log and ./logs/<component>.error.log. If the
// log directory can't be created or the files can't be opened, it falls back
// to stderr — logging must never be the reason a service fails to start.
func New(component string) (*log.Logger, *log.Logger) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fallback(component)
	}

	infoW, err := os.OpenFile(filepath.Join(dir, component+".log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fallback(component)
	}
	errW, err := os.OpenFile(filepath.Join(dir, component+".error.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		errW = os.Stderr
	}

	info := log.New(infoW, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	errl := log.New(errW, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
	return info, errl
}

func fallback(component string) (*log.Logger, *log.Logger) {
	var w io.Writer = os.Stderr
	info := log.New(w, "INFO["+component+"]: ", log.Ldate|log.Ltime)
	errl := log.New(w, "ERROR["+component+"]: ", log.Ldate|log.Ltime)
	return info, errl
}
