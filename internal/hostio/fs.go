package hostio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var (
	// ErrLineCap is returned by ReadBoundedLines when the cap is not positive.
	ErrLineCap = errors.New("line cap must be positive")
	// ErrReadTimeout is returned by ReadFileHeadTimeout when the read stalls.
	ErrReadTimeout = errors.New("timed out")
)

// OSFs returns the host filesystem.
func OSFs() afero.Fs {
	return afero.NewOsFs()
}

// Exists reports whether path exists. Permission errors count as absent.
func Exists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}

// HostPath maps an absolute host path under root for external commands,
// which see the real filesystem rather than the rooted afero one.
func HostPath(root, p string) string {
	if root == "" {
		return p
	}
	return path.Join(root, p)
}

// IsDir reports whether path exists and is a directory.
func IsDir(fs afero.Fs, path string) bool {
	ok, err := afero.IsDir(fs, path)
	return err == nil && ok
}

// ReadTrimmed reads a small sysfs-style file and trims surrounding
// whitespace and NUL bytes.
func ReadTrimmed(fs afero.Fs, path string) (string, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", err
	}
	return strings.Trim(string(b), " \t\r\n\x00"), nil
}

// ReadInt reads a file holding a single decimal integer.
func ReadInt(fs afero.Fs, path string) (int64, error) {
	s, err := ReadTrimmed(fs, path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// ReadBoundedLines reads at most maxLines lines from r and stops. It never
// reads to EOF, so it is safe on infinite streams such as /proc/pse.
func ReadBoundedLines(r io.Reader, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		return nil, ErrLineCap
	}
	lines := make([]string, 0, maxLines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	for len(lines) < maxLines && sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return lines, err
	}
	return lines, nil
}

// ReadFileHeadTimeout opens path and returns at most maxLines lines,
// bounded by timeout and ctx. The read runs in its own goroutine and the
// file is closed on every return, which releases a read stalled inside a
// driver.
func ReadFileHeadTimeout(ctx context.Context, fs afero.Fs, path string, maxLines int, timeout time.Duration) ([]string, error) {
	f, err := fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type result struct {
		lines []string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		lines, err := ReadBoundedLines(f, maxLines)
		ch <- result{lines: lines, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.lines, res.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrReadTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
