// Package logging configures the process-wide logrus logger used
// throughout this module.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Configure sets the global logrus level and output according to the
// forwarder's verbosity flags.
func Configure(debug bool) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}
