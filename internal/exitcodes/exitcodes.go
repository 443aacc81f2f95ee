// Package exitcodes contains the well-defined exit codes that encvault
// can return.
package exitcodes

import (
	"fmt"
	"os"
)

const (
	// Usage - usage error like wrong cli syntax, wrong number of parameters.
	Usage = 1
	// 2 is reserved because it is used by Go panic

	// CipherDir means that the backing directory does not exist, is not
	// empty, or is not a directory.
	CipherDir = 6
	// Init is an error on filesystem init
	Init = 7
	// LoadConf is an error while loading the volume configuration
	LoadConf = 8
	// MountPoint error means that the mountpoint is invalid (not empty etc).
	MountPoint = 10
	// Other error - please inspect the message
	Other = 11
	// KeyIncorrect - the supplied wrapping key did not unlock the volume key
	KeyIncorrect = 12
	// WriteConf - could not write the volume configuration
	WriteConf = 24
	// ExcludeError - an error occurred while parsing exclusion patterns
	ExcludeError = 25
)

// Err wraps an error with an associated numeric exit code
type Err struct {
	error
	Code int
}

// NewErr returns an error containing "msg" and the exit code "code".
func NewErr(msg string, code int) Err {
	return Err{
		error: fmt.Errorf(msg),
		Code:  code,
	}
}

// Exit extracts the numeric exit code from "err" (if available) and exits the
// application.
func Exit(err error) {
	err2, ok := err.(Err)
	if !ok {
		os.Exit(Other)
	}
	os.Exit(err2.Code)
}
