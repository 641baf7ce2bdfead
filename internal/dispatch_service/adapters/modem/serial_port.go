package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

const sttyTimeout = 5 * time.Second

// validateSerialPort checks that path names an existing device node the
// process may open.
func validateSerialPort(path string) error {
	if !strings.HasPrefix(path, "/dev/") {
		return domain.NewDeviceError(domain.KindDeviceError, "open", fmt.Errorf("invalid serial port path %q", path))
	}
	if _, err := os.Stat(path); err != nil {
		return classifyOpenError(err)
	}
	return nil
}

// openSerialPort configures the line discipline with stty (raw, 8N1, no flow
// control) and opens the device read-write.
func openSerialPort(ctx context.Context, path string, baud int) (io.ReadWriteCloser, error) {
	if err := validateSerialPort(path); err != nil {
		return nil, err
	}

	sttyCtx, cancel := context.WithTimeout(ctx, sttyTimeout)
	defer cancel()
	out, err := exec.CommandContext(sttyCtx, "stty", "-F", path,
		strconv.Itoa(baud), "raw", "-echo", "-echoe", "-echok",
		"cs8", "-cstopb", "-parenb", "-crtscts").CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(strings.ToLower(msg), "permission denied") {
			return nil, domain.NewDeviceError(domain.KindPermission, "open", fmt.Errorf("stty %s: %s", path, msg))
		}
		return nil, domain.NewDeviceError(domain.KindDeviceError, "open", fmt.Errorf("stty %s: %w: %s", path, err, msg))
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	return f, nil
}

// classifyOpenError maps EACCES to permission_error; anything else, a missing
// node included, is a device_error.
func classifyOpenError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return domain.NewDeviceError(domain.KindPermission, "open", err)
	}
	return domain.NewDeviceError(domain.KindDeviceError, "open", err)
}
