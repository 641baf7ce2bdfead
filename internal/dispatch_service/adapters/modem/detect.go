package modem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const probeTimeout = 2 * time.Second

// DefaultCandidatePorts lists the ports scanned when none is configured.
func DefaultCandidatePorts() []string {
	ports := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		ports = append(ports, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	return ports
}

// DetectPort returns the first candidate that answers AT with OK.
func DetectPort(ctx context.Context, candidates []string, baud int, logger *slog.Logger) (string, error) {
	return detectWith(ctx, candidates, func(ctx context.Context, port string) bool {
		rw, err := openSerialPort(ctx, port, baud)
		if err != nil {
			return false
		}
		defer rw.Close()
		return probeAT(rw, probeTimeout)
	}, logger)
}

func detectWith(ctx context.Context, candidates []string, probe func(context.Context, string) bool, logger *slog.Logger) (string, error) {
	for _, port := range candidates {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if probe(ctx, port) {
			logger.InfoContext(ctx, "Auto-detected modem", "port", port)
			return port, nil
		}
		logger.DebugContext(ctx, "No modem answer on port", "port", port)
	}
	return "", fmt.Errorf("no modem answered on any of %d candidate ports", len(candidates))
}

// probeAT writes AT and waits up to timeout for OK.
func probeAT(rw io.ReadWriter, timeout time.Duration) bool {
	if _, err := io.WriteString(rw, "AT\r"); err != nil {
		return false
	}

	resultCh := make(chan bool, 1)
	go func() {
		var resp strings.Builder
		buf := make([]byte, 256)
		for {
			n, err := rw.Read(buf)
			if n > 0 {
				resp.Write(buf[:n])
				s := resp.String()
				if strings.Contains(s, "OK") {
					resultCh <- true
					return
				}
				if strings.Contains(s, "ERROR") {
					resultCh <- false
					return
				}
			}
			if err != nil {
				resultCh <- false
				return
			}
		}
	}()

	select {
	case ok := <-resultCh:
		return ok
	case <-time.After(timeout):
		return false
	}
}
