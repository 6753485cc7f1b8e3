package driver

import (
	"fmt"
	"os"
	"path/filepath"
)

// SessionFile is the database file name used inside a resolved directory.
const SessionFile = "session.db"

// Resolve returns the session database path for the driver. A non-empty
// override wins: a directory gets SessionFile appended, anything else is
// taken as the file path. Without an override the first writable
// candidate directory is used. ErrUnavailable is returned when nothing
// usable is found.
func Resolve(override string) (string, error) {
	if override != "" {
		return resolveOverride(override)
	}

	for _, dir := range Candidates() {
		if err := ensureWritable(dir); err == nil {
			return filepath.Join(dir, SessionFile), nil
		}
	}
	return "", fmt.Errorf("%w: no writable session directory", ErrUnavailable)
}

// Candidates lists the discovery directories in priority order.
func Candidates() []string {
	var dirs []string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "wabridge"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "wabridge"))
	}
	dirs = append(dirs, filepath.Join(".", "sessions", "whatsapp"))
	return dirs
}

func resolveOverride(path string) (string, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		if err := ensureWritable(path); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return filepath.Join(path, SessionFile), nil
	case err == nil:
		return path, nil
	case os.IsNotExist(err):
		dir := filepath.Dir(path)
		if err := ensureWritable(dir); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return path, nil
	default:
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// ensureWritable creates dir if needed and proves a file can be written.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("probing %s: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
