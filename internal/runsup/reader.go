package runsup

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
)

// readStream forwards every line of r into the queue, tagged by origin.
// Lines from a single stream preserve source order; interleaving between
// the two streams is best-effort.
func readStream(ctx context.Context, r io.Reader, stderr bool, q *lineQueue) error {
	scanner := bufio.NewScanner(r)
	// worker lines can carry whole page dumps
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		q.Push(Line{Text: scanner.Text(), Stderr: stderr})
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "reading worker stream", "stderr", stderr, "error", err)
		return err
	}
	return nil
}
