//go:build !unix

package audit

import "os"

// Without flock only the in-process mutex serialises writers.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
