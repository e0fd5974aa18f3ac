package supervisor

import (
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// ConsoleLogName is the file in a track directory receiving the server's
// stdout and stderr.
const ConsoleLogName = "console.log"

// DefaultConsoleBackups is how many previous console logs are kept.
const DefaultConsoleBackups = 3

// openConsoleLog moves the previous console log aside and returns a fresh
// file for the server to append to. The server writes to the file itself,
// so it keeps running whether or not anyone is reading its output.
func openConsoleLog(path string, backups int) (*os.File, error) {
	if backups <= 0 {
		backups = DefaultConsoleBackups
	}
	rot := &lj.Logger{Filename: path, MaxBackups: backups}
	if err := rot.Rotate(); err != nil {
		return nil, err
	}
	if err := rot.Close(); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is inside an operator-configured track directory
	return os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
}
