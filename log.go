package atmnet

import (
	"github.com/sirupsen/logrus"
)

// logger is shared by every node of every network built in this process.
// Each node logs through an entry carrying its name.
var logger *logrus.Logger = newLogger()

func newLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.WarnLevel)
	lg.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: false})
	return lg
}

// SetLogger replaces the package logger, e.g., with one the command line
// has pointed at a rotating log file
func SetLogger(lg *logrus.Logger) {
	if lg != nil {
		logger = lg
	}
}

// Logger returns the package logger
func Logger() *logrus.Logger {
	return logger
}

// nodeLogger returns an entry tagged with the node's name and ATM address
func nodeLogger(node *Node) *logrus.Entry {
	return logger.WithFields(logrus.Fields{"node": node.Name, "atm": node.Atm.String()})
}
