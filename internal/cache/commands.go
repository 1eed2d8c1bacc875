package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/utils"
)

// ExecuteCommand runs an administrative command and returns its output.
// Commands must be enabled with allow_commands:
//
//	purge <path>                           remove a cached file unless it is open
//	remove-file <path>                     same as purge
//	purge-now                              run a purge pass immediately
//	stats                                  engine statistics as JSON
//	create-file <path> <size> [fraction]   create a synthetic cached file
func (c *Cache) ExecuteCommand(ctx context.Context, command string) (string, error) {
	if !c.cfg.AllowCommands {
		return "", errors.NewError(errors.ErrCodeCommandsDisabled, "administrative commands are disabled").
			WithComponent("cache").WithOperation("command")
	}
	if c.isStopped() {
		return "", errors.ErrEngineStopped
	}

	args := strings.Fields(command)
	if len(args) == 0 {
		return "", invalidCommand(command, "empty command")
	}
	c.logger.Info("executing command", "command", command)

	switch args[0] {
	case "purge", "remove-file":
		if len(args) != 2 {
			return "", invalidCommand(command, "usage: %s <path>", args[0])
		}
		if err := c.Unlink(ctx, args[1]); err != nil {
			return "", err
		}
		return "removed " + args[1], nil

	case "purge-now":
		if len(args) != 1 {
			return "", invalidCommand(command, "usage: purge-now")
		}
		res, err := c.Purge(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d files, %s", len(res.Removed), utils.FormatBytes(res.BytesRemoved)), nil

	case "stats":
		data, err := json.MarshalIndent(c.Stats(), "", "  ")
		if err != nil {
			return "", errors.NewError(errors.ErrCodeInternalError, "failed to encode stats").
				WithComponent("cache").WithOperation("command").WithCause(err)
		}
		return string(data), nil

	case "create-file":
		return c.createFile(ctx, command, args[1:])

	default:
		return "", invalidCommand(command, "unknown command %q", args[0])
	}
}

// createFile writes a sparse data file with the leading fraction of its
// blocks marked resident, for exercising purge.
func (c *Cache) createFile(ctx context.Context, command string, args []string) (string, error) {
	if len(args) < 2 || len(args) > 3 {
		return "", invalidCommand(command, "usage: create-file <path> <size> [fraction]")
	}
	path, err := utils.CleanLogicalPath(args[0])
	if err != nil {
		return "", invalidCommand(command, "invalid path: %v", err)
	}
	size, err := utils.ParseBytes(args[1])
	if err != nil || size < 0 {
		return "", invalidCommand(command, "invalid size %q", args[1])
	}
	frac := 1.0
	if len(args) == 3 {
		frac, err = strconv.ParseFloat(args[2], 64)
		if err != nil || frac < 0 || frac > 1 {
			return "", invalidCommand(command, "fraction must be between 0 and 1")
		}
	}

	if !c.beginUnlink(path) {
		return "", errors.NewError(errors.ErrCodeFileBusy, "file is in use").
			WithComponent("cache").WithOperation("create-file").WithPath(path)
	}
	defer c.registry.EndPurge(path)

	info := NewInfo(c.cfg.BufferSize, size, c.cfg.Checksum, time.Now())
	n := info.NumBlocks()
	resident := int(math.Ceil(frac * float64(n)))
	if err := c.storage.Delete(ctx, path); err != nil {
		return "", err
	}
	if resident > 0 {
		length := int64(resident-1)*c.cfg.BufferSize + info.BlockLen(resident-1)
		if err := c.storage.Truncate(ctx, path, length); err != nil {
			return "", err
		}
	}
	zero := make(map[int64]uint64)
	for idx := 0; idx < resident; idx++ {
		blen := info.BlockLen(idx)
		digest, ok := zero[blen]
		if !ok {
			digest = Digest(make([]byte, blen))
			zero[blen] = digest
		}
		info.SetBit(idx, digest, c.cfg.Checksum, info.Created)
	}

	data, err := info.Marshal()
	if err != nil {
		return "", errors.NewError(errors.ErrCodeInternalError, "failed to encode metadata").
			WithComponent("cache").WithOperation("create-file").WithPath(path).WithCause(err)
	}
	if err := SaveInfo(ctx, c.storage, c.env.infoPath(path), data); err != nil {
		return "", err
	}
	c.sizes.Del(path)
	return fmt.Sprintf("created %s: %s, %d of %d blocks", path, utils.FormatBytes(size), resident, n), nil
}

func invalidCommand(command, format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeCommandInvalid, fmt.Sprintf(format, args...)).
		WithComponent("cache").WithOperation("command").WithDetail("command", command)
}
