package distributor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"
)

// ReadyMarker is the line the distributor prints on stdout once recovery is
// finished and the loop accepts work. A parent that forked the distributor
// waits for it to make startup synchronous.
const ReadyMarker = "JOBMON_DISTRIBUTOR_READY"

// AwaitReady reads r until the marker appears or the timeout passes. It
// tolerates arbitrary output before the marker and markers split across
// reads.
func AwaitReady(ctx context.Context, r io.Reader, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan error, 1)
	go func() {
		marker := []byte(ReadyMarker)
		window := make([]byte, 0, 2*len(marker))
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				window = append(window, buf[:n]...)
				if bytes.Contains(window, marker) {
					found <- nil
					return
				}
				if len(window) > len(marker) {
					window = append(window[:0], window[len(window)-len(marker)+1:]...)
				}
			}
			if err != nil {
				found <- fmt.Errorf("distributor ended before signalling readiness: %w", err)
				return
			}
		}
	}()

	select {
	case err := <-found:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for distributor readiness: %w", ctx.Err())
	}
}
