package kvstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	fileExt         = ".kv"
	namespacePrefix = "ns-"
	maxKeyLen       = 1 << 16
)

// FileStore is a [Store] that keeps one file per key inside a directory.
//
// File names are the SHA-256 of the key so that arbitrarily long keys stay
// within file-system limits. Each file starts with a 4-byte big-endian key
// length followed by the key itself, which lets [FileStore.Keys] recover the
// original keys. Writes go to a temporary file that is renamed into place, so
// readers never observe a partially written value.
type FileStore struct {
	dir string

	mu sync.RWMutex
}

var (
	_ Store      = (*FileStore)(nil)
	_ Namespacer = (*FileStore)(nil)
)

// NewFileStore creates a [FileStore] rooted at dir, creating the directory if
// it does not exist.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("kvstore: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create directory %q: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory backing the store.
func (s *FileStore) Dir() string { return s.dir }

// Ping reports whether the backing directory is present and writable.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(s.dir, ".ping-*")
	if err != nil {
		return fmt.Errorf("kvstore: probe %q: %w", s.dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Namespace returns a [FileStore] rooted at a subdirectory of s. The
// subdirectory is created lazily on first write.
func (s *FileStore) Namespace(name string) Store {
	return &FileStore{dir: filepath.Join(s.dir, namespacePrefix+name)}
}

// Get implements [Store].
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	storedKey, value, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	if storedKey != key {
		return nil, fmt.Errorf("kvstore: get %q: hash collision with %q", key, storedKey)
	}
	return value, nil
}

// Put implements [Store].
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(key) >= maxKeyLen {
		return fmt.Errorf("kvstore: put: key length %d exceeds limit", len(key))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(encodeRecord(key, value)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("kvstore: put %q: %w", key, err)
	}
	return nil
}

// Delete implements [Store].
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	return nil
}

// Keys implements [Store]. Files that cannot be decoded are skipped.
func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.entries()
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys: %w", err)
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := readKey(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Clear implements [Store]. Only entries of this store are removed; nested
// namespaces are left in place.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.entries()
	if err != nil {
		return fmt.Errorf("kvstore: clear: %w", err)
	}
	var errs []error
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kvstore: clear: %w", err)
	}
	return nil
}

// Size returns the total number of bytes used by this store's entries on disk.
func (s *FileStore) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.entries()
	if err != nil {
		return 0, fmt.Errorf("kvstore: size: %w", err)
	}
	var total int64
	for _, name := range names {
		fi, err := os.Stat(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		total += fi.Size()
	}
	return total, nil
}

// entries lists the data file names in s.dir. A missing directory yields an
// empty list. Must be called with s.mu held.
func (s *FileStore) entries() ([]string, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(des))
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), fileExt) {
			continue
		}
		names = append(names, de.Name())
	}
	return names, nil
}

func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+fileExt)
}

func encodeRecord(key string, value []byte) []byte {
	buf := make([]byte, 4+len(key)+len(value))
	binary.BigEndian.PutUint32(buf, uint32(len(key)))
	copy(buf[4:], key)
	copy(buf[4+len(key):], value)
	return buf
}

func decodeRecord(data []byte) (key string, value []byte, err error) {
	if len(data) < 4 {
		return "", nil, errors.New("truncated record header")
	}
	n := int(binary.BigEndian.Uint32(data))
	if n > len(data)-4 {
		return "", nil, errors.New("truncated record key")
	}
	return string(data[4 : 4+n]), data[4+n:], nil
}

// readKey reads only the key header of the record file at path.
func readKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n >= maxKeyLen {
		return "", errors.New("key header out of range")
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(f, key); err != nil {
		return "", err
	}
	return string(key), nil
}
