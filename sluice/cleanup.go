package sluice

import "io"

// closer returns a function that closes c, discarding the error.
// Use with defer for cleanup-only io.Closer values where the
// error is intentionally ignored (e.g., abandoned files, drained sources).
func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// closeSource closes r if it is an io.Closer, discarding the error.
func closeSource(r io.Reader) {
	if rc, ok := r.(io.Closer); ok {
		closer(rc)()
	}
}
