//go:build !unix

package state

import (
	"errors"
	"fmt"
	"os"
)

// Without flock a stale .lock left by a crashed run has to be removed by hand.
func acquire(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrArchiveBusy
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	_, _ = fmt.Fprintf(file, "%d\n", os.Getpid())
	return file, nil
}

func release(path string, file *os.File) error {
	closeErr := file.Close()
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return closeErr
}
