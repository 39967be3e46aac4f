package rpm2sysvpkg

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const logTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger is shared by the converter, the installer and both command line tools.
var Logger *logrus.Logger

func init() {
	Logger = logrus.New()
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.WarnLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
}

// startLogging sets up the logger for a command line run. Messages go to stderr; with a
// logFilename they are also appended to that file, with timestamps. The returned closer
// must be closed when the run ends.
func startLogging(stderr io.Writer, verbose, debug bool, logFilename string) (io.Closer, error) {
	switch {
	case debug:
		Logger.SetLevel(logrus.DebugLevel)
	case verbose:
		Logger.SetLevel(logrus.InfoLevel)
	default:
		Logger.SetLevel(logrus.WarnLevel)
	}
	if logFilename == "" {
		Logger.SetOutput(stderr)
		Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
		return io.NopCloser(nil), nil
	}
	logfile, err := os.OpenFile(logFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	Logger.SetOutput(io.MultiWriter(stderr, logfile))
	Logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: logTimestampFormat,
	})
	return logfile, nil
}
