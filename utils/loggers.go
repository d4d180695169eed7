package utils

import (
	"log"
	"os"
)

var (
	infoLogger  *log.Logger
	errorLogger *log.Logger
)

// InitLogger configures the process loggers. Call once at startup, before
// anything logs through the wrappers below.
func InitLogger() {
	infoLogger = log.New(os.Stdout, "INFO: ", log.Ldate|log.Ltime)
	errorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
}

func LogInfo(format string, args ...interface{}) {
	infoLogger.Printf(format, args...)
}

func LogError(message string, err error) {
	if err != nil {
		errorLogger.Printf("%s: %v", message, err)
		return
	}
	errorLogger.Println(message)
}

func LogFatal(message string, err error) {
	if err != nil {
		errorLogger.Fatalf("%s: %v", message, err)
	}
	errorLogger.Fatal(message)
}
