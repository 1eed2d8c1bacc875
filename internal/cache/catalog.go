package cache

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

// catalog lists the cached files on storage for the purge controller. A
// cached file is a data file and its metadata file; either may exist alone
// after a crash and is then listed with its modification time as the
// access time.
type catalog struct {
	c *Cache
}

type catalogEntry struct {
	data *types.StorageInfo
	meta *types.StorageInfo
}

func (cat *catalog) Scan(ctx context.Context) ([]types.FileRecord, error) {
	suffix := cat.c.cfg.MetaSuffix
	entries := make(map[string]*catalogEntry)
	var order []string

	get := func(path string) *catalogEntry {
		e, ok := entries[path]
		if !ok {
			e = &catalogEntry{}
			entries[path] = e
			order = append(order, path)
		}
		return e
	}

	err := cat.c.storage.Walk(ctx, func(info types.StorageInfo) error {
		if strings.HasSuffix(info.Path, suffix) {
			get(strings.TrimSuffix(info.Path, suffix)).meta = &info
		} else {
			get(info.Path).data = &info
		}
		return nil
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeBackendStat, "failed to list cached files").
			WithComponent("cache").WithOperation("scan").WithCause(err)
	}

	records := make([]types.FileRecord, 0, len(order))
	for _, path := range order {
		records = append(records, cat.record(ctx, path, entries[path]))
	}
	return records, nil
}

func (cat *catalog) record(ctx context.Context, path string, e *catalogEntry) types.FileRecord {
	r := types.FileRecord{Path: path}
	if e.data != nil {
		r.FileSize = e.data.Size
		r.BytesOnDisk = e.data.OnDisk
		r.LastAccess = e.data.ModTime
	}
	if e.meta == nil {
		return r
	}
	r.BytesOnDisk += e.meta.OnDisk
	if r.LastAccess.IsZero() {
		r.LastAccess = e.meta.ModTime
	}
	if e.data == nil {
		return r
	}

	info, err := LoadInfo(ctx, cat.c.storage, e.meta.Path)
	if err != nil {
		if !stderrors.Is(err, errors.ErrFileNotFound) {
			cat.c.logger.Warn("unreadable metadata, purging by modification time",
				"path", path, "error", err)
		}
		return r
	}
	r.FileSize = info.FileSize
	r.LastAccess = info.LastAccess()
	if info.Unverified(cat.c.cfg.Checksum) {
		r.Unverified = true
		r.NoCkSumTime = info.UnverifiedSince()
	}
	return r
}

func (cat *catalog) Remove(ctx context.Context, path string) (int64, error) {
	freed, err := cat.c.removeFiles(ctx, path)
	if err == nil {
		cat.c.sizes.Del(path)
	}
	return freed, err
}
