package htpasswd

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidUsername is returned for names that cannot be stored in the file.
var ErrInvalidUsername = errors.New("username must be non-empty and must not contain ':' or whitespace")

// File is an htpasswd credential file with bcrypt entries. It is re-read
// whenever its modification time changes, so users can be added without a
// restart.
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	users   map[string]string
	modTime time.Time
}

// Open loads the file at path. A missing file yields an empty user set so the
// gateway can start before credentials are provisioned.
func Open(path string, logger *slog.Logger) (*File, error) {
	f := &File{path: path, logger: logger.With("component", "htpasswd"), users: map[string]string{}}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Verify checks username and password against the file.
func (f *File) Verify(username, password string) bool {
	if err := f.reloadIfChanged(); err != nil {
		f.logger.Warn("Failed to reload htpasswd file", "path", f.path, "error", err)
	}

	f.mu.RLock()
	hash, ok := f.users[username]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	if !isBcrypt(hash) {
		f.logger.Warn("Unsupported password hash format", "username", username)
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Len returns the number of users loaded.
func (f *File) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.users)
}

func (f *File) reloadIfChanged() error {
	info, err := os.Stat(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	f.mu.RLock()
	unchanged := info.ModTime().Equal(f.modTime)
	f.mu.RUnlock()
	if unchanged {
		return nil
	}
	return f.reload()
}

func (f *File) reload() error {
	users, modTime, err := readEntries(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			f.logger.Warn("htpasswd file not found; all requests will be rejected", "path", f.path)
			return nil
		}
		return err
	}
	f.mu.Lock()
	f.users = users
	f.modTime = modTime
	f.mu.Unlock()
	f.logger.Info("htpasswd file loaded", "path", f.path, "users", len(users))
	return nil
}

func readEntries(path string) (map[string]string, time.Time, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}

	users := map[string]string{}
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		users[name] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("read %s: %w", path, err)
	}
	return users, info.ModTime(), nil
}

// Upsert creates or replaces the bcrypt entry for username in the file at
// path, creating the file (mode 0600) when it does not exist.
func Upsert(path, username, password string, cost int) error {
	if username == "" || strings.ContainsAny(username, ": \t\r\n") {
		return ErrInvalidUsername
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	users, _, err := readEntries(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if users == nil {
		users = map[string]string{}
	}
	users[username] = string(hash)

	names := make([]string, 0, len(users))
	for name := range users {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name + ":" + users[name] + "\n")
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func isBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$")
}
