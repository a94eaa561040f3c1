//go:build !unix

package blobstore

import "os"

// Directory locking is advisory and only implemented on unix.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
