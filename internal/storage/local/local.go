// Package local implements Storage on a directory of the local filesystem.
package local

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
	"github.com/objectfs/pfcache/pkg/utils"
)

// WriteFile stages data in a hidden sibling named .<base>.pfc-tmp. No
// logical path may name such a file.
const (
	tmpPrefix = "."
	tmpSuffix = ".pfc-tmp"
)

func tempPath(full string) string {
	return filepath.Join(filepath.Dir(full), tmpPrefix+filepath.Base(full)+tmpSuffix)
}

func isTempName(name string) bool {
	return len(name) > len(tmpPrefix)+len(tmpSuffix) &&
		strings.HasPrefix(name, tmpPrefix) && strings.HasSuffix(name, tmpSuffix)
}

// Storage maps cache-logical paths onto files below a root directory.
// Data files are sparse: only the ranges written occupy disk blocks.
type Storage struct {
	root   string
	logger *slog.Logger
}

// Config represents local storage configuration
type Config struct {
	Directory string
	Logger    *slog.Logger
}

// New creates the root directory if needed and returns a Storage over it
func New(cfg Config) (*Storage, error) {
	if cfg.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "storage directory cannot be empty").
			WithComponent("local-storage")
	}
	root, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid storage directory").
			WithComponent("local-storage").WithCause(err)
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodeBackendWrite, "failed to create storage directory").
			WithComponent("local-storage").WithPath(root).WithCause(err)
	}

	return &Storage{
		root:   root,
		logger: utils.ComponentLogger(cfg.Logger, "local-storage"),
	}, nil
}

// Root returns the absolute root directory
func (s *Storage) Root() string { return s.root }

func (s *Storage) resolve(op, path string) (string, error) {
	full, err := utils.SecureJoin(s.root, path)
	if err != nil || full == s.root || isTempName(filepath.Base(full)) {
		return "", errors.NewError(errors.ErrCodeFileNotFound, "path outside storage root").
			WithComponent("local-storage").WithOperation(op).WithPath(path).WithCause(err)
	}
	return full, nil
}

func (s *Storage) wrap(code errors.ErrorCode, op, path string, err error) error {
	if stderrors.Is(err, fs.ErrNotExist) {
		code = errors.ErrCodeFileNotFound
	}
	return errors.NewError(code, op+" failed").
		WithComponent("local-storage").WithOperation(op).WithPath(path).WithCause(err)
}

// WriteAt writes data at offset, creating the file and parent directories as needed
func (s *Storage) WriteAt(ctx context.Context, path string, offset int64, data []byte) error {
	full, err := s.resolve("write", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return s.wrap(errors.ErrCodeBackendWrite, "write", path, err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE, 0640)
	if err != nil {
		return s.wrap(errors.ErrCodeBackendWrite, "write", path, err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		_ = f.Close()
		return s.wrap(errors.ErrCodeBackendWrite, "write", path, err)
	}
	if err := f.Close(); err != nil {
		return s.wrap(errors.ErrCodeBackendWrite, "write", path, err)
	}
	return nil
}

// ReadAt reads into buf from offset. Reading past the end returns a short count.
func (s *Storage) ReadAt(ctx context.Context, path string, offset int64, buf []byte) (int, error) {
	full, err := s.resolve("read", path)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(full)
	if err != nil {
		return 0, s.wrap(errors.ErrCodeBackendRead, "read", path, err)
	}
	defer func() { _ = f.Close() }()

	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, s.wrap(errors.ErrCodeBackendRead, "read", path, err)
	}
	return n, nil
}

// Truncate sets the logical length of a data file, creating it if missing
func (s *Storage) Truncate(ctx context.Context, path string, size int64) error {
	full, err := s.resolve("truncate", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return s.wrap(errors.ErrCodeBackendWrite, "truncate", path, err)
	}

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE, 0640)
	if err != nil {
		return s.wrap(errors.ErrCodeBackendWrite, "truncate", path, err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(size); err != nil {
		return s.wrap(errors.ErrCodeBackendWrite, "truncate", path, err)
	}
	return nil
}

// WriteFile atomically replaces the file through a temporary sibling
func (s *Storage) WriteFile(ctx context.Context, path string, data []byte) error {
	full, err := s.resolve("write-file", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return s.wrap(errors.ErrCodeBackendWrite, "write-file", path, err)
	}

	tmpPath := tempPath(full)
	if err := os.WriteFile(tmpPath, data, 0640); err != nil {
		_ = os.Remove(tmpPath)
		return s.wrap(errors.ErrCodeBackendWrite, "write-file", path, err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		_ = os.Remove(tmpPath)
		return s.wrap(errors.ErrCodeBackendWrite, "write-file", path, err)
	}
	return nil
}

// ReadFile returns the whole file
func (s *Storage) ReadFile(ctx context.Context, path string) ([]byte, error) {
	full, err := s.resolve("read-file", path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, s.wrap(errors.ErrCodeBackendRead, "read-file", path, err)
	}
	return data, nil
}

// Stat describes one file, including the bytes its blocks occupy on disk
func (s *Storage) Stat(ctx context.Context, path string) (*types.StorageInfo, error) {
	full, err := s.resolve("stat", path)
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(full)
	if err != nil {
		return nil, s.wrap(errors.ErrCodeBackendStat, "stat", path, err)
	}
	return s.info(path, full, fi), nil
}

func (s *Storage) info(path, full string, fi fs.FileInfo) *types.StorageInfo {
	info := &types.StorageInfo{
		Path:    path,
		Size:    fi.Size(),
		OnDisk:  fi.Size(),
		ModTime: fi.ModTime(),
	}
	var st unix.Stat_t
	if err := unix.Stat(full, &st); err == nil {
		info.OnDisk = int64(st.Blocks) * 512
	}
	return info
}

// Delete removes a file and prunes directories left empty
func (s *Storage) Delete(ctx context.Context, path string) error {
	full, err := s.resolve("delete", path)
	if err != nil {
		return err
	}

	if err := os.Remove(full); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return s.wrap(errors.ErrCodeBackendDelete, "delete", path, err)
	}

	for dir := filepath.Dir(full); dir != s.root && strings.HasPrefix(dir, s.root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// Walk visits every regular file below the root, skipping temporaries.
// Paths passed to fn are rooted logical paths.
func (s *Storage) Walk(ctx context.Context, fn func(info types.StorageInfo) error) error {
	return filepath.WalkDir(s.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() || isTempName(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(s.root, full)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		logical := "/" + filepath.ToSlash(rel)
		return fn(*s.info(logical, full, fi))
	})
}

// Usage reports capacity and used bytes of the filesystem holding the root
func (s *Storage) Usage(ctx context.Context) (types.Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.root, &st); err != nil {
		return types.Usage{}, s.wrap(errors.ErrCodeBackendStat, "statfs", s.root, err)
	}
	bsize := int64(st.Bsize)
	total := int64(st.Blocks) * bsize
	free := int64(st.Bavail) * bsize
	return types.Usage{TotalBytes: total, UsedBytes: total - free}, nil
}
