package pipeline

import "io"

// readAllLimited reads up to max bytes from r, discarding the rest. Used
// to capture a bounded amount of subprocess stderr for error messages
// without risking unbounded memory growth on a runaway process.
func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, max))
}
