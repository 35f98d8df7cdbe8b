// Package startup registers the monitor to run when the user logs in.
//
// On Windows the registration is a value under
// HKCU\Software\Microsoft\Windows\CurrentVersion\Run whose data is the path of
// the executable. A registration that points at a different executable (for
// example after the program was moved) is reported as not enabled, and Enable
// rewrites it.
package startup

import "errors"

const (
	runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

	// ValueName is the fixed registration name; a fixed name keeps multiple
	// copies of the program from registering themselves side by side.
	ValueName = "NoHiddenExtensions"
)

// ErrUnsupported is returned on platforms without login registration
var ErrUnsupported = errors.New("run at startup is only supported on Windows")
