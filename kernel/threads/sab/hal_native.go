package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// SharedMemoryProvider is a region backed by a MAP_SHARED mapping of a file,
// normally under /dev/shm, so separate processes see the same bytes.
type SharedMemoryProvider struct {
	region
	path string
	fd   *os.File
}

type SharedMemoryOptions struct {
	Path string
	Size uint32
	// Create fails with ErrExists when the file is already there, so the
	// creator is always the sole owner.
	Create   bool
	ReadOnly bool
}

// DefaultSharedMemoryRoot returns the directory run namespaces are created in.
func DefaultSharedMemoryRoot() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// OpenSharedMemory maps the file at opts.Path, creating and sizing it first
// when opts.Create is set.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	switch {
	case opts.Path == "":
		return nil, errors.New("sab: empty region path")
	case opts.Create && opts.ReadOnly:
		return nil, errors.New("sab: a created region must be writable")
	case opts.Create && opts.Size == 0:
		return nil, errors.New("sab: a created region needs a size")
	}

	path := filepath.Clean(opts.Path)
	fd, err := openBacking(path, opts)
	if err != nil {
		return nil, err
	}

	size, err := backingSize(fd, path, opts)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}

	prot := unix.PROT_READ
	if !opts.ReadOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(fd.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("sab: map %s: %w", path, err)
	}

	return &SharedMemoryProvider{
		region: region{data: data, readOnly: opts.ReadOnly},
		path:   path,
		fd:     fd,
	}, nil
}

func openBacking(path string, opts SharedMemoryOptions) (*os.File, error) {
	mode := os.O_RDWR
	switch {
	case opts.ReadOnly:
		mode = os.O_RDONLY
	case opts.Create:
		mode |= os.O_CREATE | os.O_EXCL
	}

	fd, err := os.OpenFile(path, mode, 0o600)
	switch {
	case err == nil:
		return fd, nil
	case errors.Is(err, os.ErrExist):
		return nil, fmt.Errorf("sab: %s: %w", path, ErrExists)
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("sab: %s: %w", path, ErrNotFound)
	default:
		return nil, fmt.Errorf("sab: open %s: %w", path, err)
	}
}

// backingSize grows a freshly created file to opts.Size and returns the
// length to map. A failed resize removes the file again.
func backingSize(fd *os.File, path string, opts SharedMemoryOptions) (int, error) {
	if opts.Create {
		if err := fd.Truncate(int64(opts.Size)); err != nil {
			_ = os.Remove(path)
			return 0, fmt.Errorf("sab: size %s: %w", path, err)
		}
		return int(opts.Size), nil
	}

	info, err := fd.Stat()
	if err != nil {
		return 0, fmt.Errorf("sab: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return 0, fmt.Errorf("sab: %s is empty", path)
	}
	return int(info.Size()), nil
}

func (s *SharedMemoryProvider) Path() string {
	return s.path
}

// Close unmaps the region and releases the descriptor; the file itself
// stays until the namespace removes it. Closing twice is a no-op.
func (s *SharedMemoryProvider) Close() error {
	var result *multierror.Error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			result = multierror.Append(result, fmt.Errorf("sab: unmap %s: %w", s.path, err))
		}
		s.data = nil
	}
	if s.fd != nil {
		if err := s.fd.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		s.fd = nil
	}
	return result.ErrorOrNil()
}
