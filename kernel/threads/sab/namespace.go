package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Namespace is the set of well-known names one simulation run uses to find
// its shared regions. Every process of the run resolves the same names.
type Namespace interface {
	// Create allocates a zeroed region. It fails with ErrExists if the
	// name is taken.
	Create(name string, size uint32) (MemoryProvider, error)
	// Open attaches to an existing region. It fails with ErrNotFound.
	Open(name string, readOnly bool) (MemoryProvider, error)
	// Remove unlinks a region. Processes still attached keep their view.
	Remove(name string) error
	// Destroy removes the namespace itself and anything left inside it.
	Destroy() error
	String() string
}

// FileNamespace keeps regions as files in one directory, normally under
// /dev/shm.
type FileNamespace struct {
	dir string
}

// CreateFileNamespace makes a fresh run directory. An existing directory
// means another supervisor owns the name.
func CreateFileNamespace(dir string) (*FileNamespace, error) {
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("namespace %s: %w", dir, ErrExists)
		}
		return nil, fmt.Errorf("create namespace %s: %w", dir, err)
	}
	return &FileNamespace{dir: dir}, nil
}

// OpenFileNamespace attaches to a run directory created by the supervisor.
func OpenFileNamespace(dir string) (*FileNamespace, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("namespace %s: %w", dir, ErrNotFound)
		}
		return nil, fmt.Errorf("open namespace %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("namespace %s is not a directory", dir)
	}
	return &FileNamespace{dir: dir}, nil
}

func (ns *FileNamespace) path(name string) string {
	return filepath.Join(ns.dir, name)
}

func (ns *FileNamespace) Create(name string, size uint32) (MemoryProvider, error) {
	return OpenSharedMemory(SharedMemoryOptions{Path: ns.path(name), Size: size, Create: true})
}

func (ns *FileNamespace) Open(name string, readOnly bool) (MemoryProvider, error) {
	return OpenSharedMemory(SharedMemoryOptions{Path: ns.path(name), ReadOnly: readOnly})
}

func (ns *FileNamespace) Remove(name string) error {
	if err := os.Remove(ns.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (ns *FileNamespace) Destroy() error {
	if err := os.RemoveAll(ns.dir); err != nil {
		return fmt.Errorf("destroy namespace %s: %w", ns.dir, err)
	}
	return nil
}

func (ns *FileNamespace) String() string {
	return ns.dir
}

// Dir returns the run directory.
func (ns *FileNamespace) Dir() string {
	return ns.dir
}

// MemNamespace keeps regions in process memory. It lets every agent of a run
// live in one process, which is how the tests drive the full protocol.
type MemNamespace struct {
	name    string
	mu      sync.Mutex
	regions map[string]*InMemoryProvider
}

// NewMemNamespace creates an empty in-process namespace.
func NewMemNamespace(name string) *MemNamespace {
	return &MemNamespace{
		name:    name,
		regions: make(map[string]*InMemoryProvider),
	}
}

func (ns *MemNamespace) Create(name string, size uint32) (MemoryProvider, error) {
	if size == 0 {
		return nil, errors.New("sab: a created region needs a size")
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, ok := ns.regions[name]; ok {
		return nil, fmt.Errorf("create %s: %w", name, ErrExists)
	}
	p := NewInMemoryProvider(size)
	ns.regions[name] = p
	return p.View(false), nil
}

func (ns *MemNamespace) Open(name string, readOnly bool) (MemoryProvider, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	p, ok := ns.regions[name]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", name, ErrNotFound)
	}
	return p.View(readOnly), nil
}

func (ns *MemNamespace) Remove(name string) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, ok := ns.regions[name]; !ok {
		return fmt.Errorf("remove %s: %w", name, ErrNotFound)
	}
	delete(ns.regions, name)
	return nil
}

func (ns *MemNamespace) Destroy() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.regions = make(map[string]*InMemoryProvider)
	return nil
}

func (ns *MemNamespace) String() string {
	return "mem:" + ns.name
}

// Names lists the regions currently present, sorted.
func (ns *MemNamespace) Names() []string {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	names := make([]string, 0, len(ns.regions))
	for name := range ns.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
