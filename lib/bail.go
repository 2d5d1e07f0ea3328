package lib

import (
	"fmt"
	"os"
	"runtime"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Bail exits with nonzero exit code and prints an error to a log.
func Bail(err error) {
	if agg, ok := trace.Unwrap(err).(trace.Aggregate); ok {
		for _, err := range agg.Errors() {
			log.WithError(err).Error("Terminating...")
		}
	} else {
		log.WithError(err).Error("Terminating...")
	}
	os.Exit(1)
}

// PrintVersion prints the specified app version to STDOUT.
func PrintVersion(appName string, version string, gitref string) {
	if gitref != "" {
		fmt.Printf("%v v%v git:%v %v\n", appName, version, gitref, runtime.Version())
	} else {
		fmt.Printf("%v v%v %v\n", appName, version, runtime.Version())
	}
}
