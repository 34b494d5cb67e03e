package util

import (
	"fmt"
	"io"
	"log"
	"os"
)

var debug bool = false

// Logger is the process-wide progress logger. It writes to stderr until
// InitLogger attaches a log file.
var Logger *log.Logger = log.New(os.Stderr, "", log.LstdFlags)

var logFile *os.File

// InitLogger mirrors progress messages into path in addition to stderr.
func InitLogger(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	mw := io.MultiWriter(os.Stderr, file)
	Logger = log.New(mw, "", log.LstdFlags)
	return nil
}

// CloseLogger detaches the log file and falls back to stderr.
func CloseLogger() error {
	Logger = log.New(os.Stderr, "", log.LstdFlags)
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func SetDebug(on bool) {
	debug = on
}

func Debug[T any](s T) {
	if debug {
		Logger.Println(s)
	}
}

func Debugf(format string, args ...interface{}) {
	if debug {
		Logger.Printf(format, args...)
	}
}

func DebugEnabled() bool {
	return debug
}
