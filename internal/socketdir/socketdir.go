package socketdir

import (
	"os"
	"path/filepath"
)

// Sockets live under a per-working-directory cache so that projects don't
// share servers: the same command run from two directories gets two sockets.
const relDir = ".viasock/sockets"

// Dir returns the socket cache directory under wd.
func Dir(wd string) string {
	return filepath.Join(wd, relDir)
}

// Ensure creates the socket cache directory under wd and returns it.
func Ensure(wd string) (string, error) {
	dir := Dir(wd)
	return dir, os.MkdirAll(dir, 0700)
}

// Path returns the socket path for a fingerprint under wd.
func Path(wd, fingerprint string) string {
	return filepath.Join(Dir(wd), fingerprint)
}
