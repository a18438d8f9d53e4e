// Package command executes delete and download commands received over the
// signaling channel.
package command

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/fragmesh/stornode/internal/config"
	"github.com/fragmesh/stornode/internal/hash"
	"github.com/fragmesh/stornode/internal/origin"
	"github.com/fragmesh/stornode/internal/signaling"
	"github.com/fragmesh/stornode/internal/storage"
	"github.com/fragmesh/stornode/internal/store"
)

type Bus interface {
	Emit(event string, payload any) error
}

type Fetcher interface {
	Head(ctx context.Context, url string) (origin.Meta, error)
	Download(ctx context.Context, url, destPath string, size int64) error
}

type Options struct {
	Index   *store.FragmentIndex
	Meta    *store.MetaStore
	Probe   *storage.Probe
	Paths   []config.StoragePath
	Fetcher Fetcher
	Bus     Bus
	Logger  *logrus.Logger
}

type Handler struct {
	index   *store.FragmentIndex
	meta    *store.MetaStore
	probe   *storage.Probe
	paths   []storage.Path
	fetcher Fetcher
	bus     Bus
	logger  *logrus.Logger
}

func New(opts Options) *Handler {
	paths := make([]storage.Path, 0, len(opts.Paths))
	for _, sp := range opts.Paths {
		paths = append(paths, storage.Path{Path: sp.Path, Threshold: sp.Threshold})
	}
	return &Handler{
		index:   opts.Index,
		meta:    opts.Meta,
		probe:   opts.Probe,
		paths:   paths,
		fetcher: opts.Fetcher,
		bus:     opts.Bus,
		logger:  opts.Logger,
	}
}

// Handle dispatches one command and acks it. Unknown types are logged.
func (h *Handler) Handle(ctx context.Context, cmd signaling.Command) {
	switch cmd.Type {
	case "delete":
		h.Delete(cmd.FragmentIDs)
	case "download":
		h.Download(ctx, cmd.URLs)
	default:
		h.logger.Warnf("Unknown command type %q", cmd.Type)
		return
	}

	err := h.bus.Emit(signaling.EventCommandAck, signaling.CommandAck{ID: cmd.ID, Type: cmd.Type})
	if err != nil {
		h.logger.Warnf("Failed to ack command %s: %v", cmd.Type, err)
	}
}

// Delete removes each fragment from the index and from disk. Missing ids are
// warned about but the batch continues.
func (h *Handler) Delete(ids []string) {
	for _, id := range ids {
		path, ok := h.index.Remove(id)
		if !ok {
			h.logger.Warnf("Delete: fragment %s not in index", id)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.logger.Warnf("Delete: failed to unlink %s: %v", path, err)
		}
		if h.meta != nil {
			if err := h.meta.DeleteFragment(id); err != nil {
				h.logger.Warnf("Delete: failed to drop meta for %s: %v", id, err)
			}
		}
		h.logger.Infof("Deleted fragment %s", id)
	}
}

// Download pulls each URL from the origin into the most-free storage path.
// Per-URL failures are logged and skipped; one command_verify reports every
// fragment that landed.
func (h *Handler) Download(ctx context.Context, urls []string) {
	var verified []signaling.HashEntry

	for _, url := range urls {
		entry, err := h.downloadOne(ctx, url)
		if err != nil {
			h.logger.Warnf("Download %s failed: %v", url, err)
			continue
		}
		verified = append(verified, entry)
	}

	if len(verified) == 0 {
		h.logger.Warnf("Download batch produced no fragments, skipping verify")
		return
	}
	if err := h.bus.Emit(signaling.EventCommandVerify, verified); err != nil {
		h.logger.Warnf("Failed to emit command verify: %v", err)
	}
}

func (h *Handler) downloadOne(ctx context.Context, url string) (signaling.HashEntry, error) {
	meta, err := h.fetcher.Head(ctx, url)
	if err != nil {
		return signaling.HashEntry{}, err
	}

	best, free, err := h.probe.MostFree(h.paths)
	if err != nil {
		return signaling.HashEntry{}, err
	}
	if free < uint64(meta.Size) {
		return signaling.HashEntry{}, fmt.Errorf("insufficient space: need %d, have %d on %s", meta.Size, free, best.Path)
	}

	destDir := filepath.Join(best.Path, config.RemoteDirName)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return signaling.HashEntry{}, err
	}

	destPath := filepath.Join(destDir, meta.Filename)
	if err := h.fetcher.Download(ctx, url, destPath, meta.Size); err != nil {
		return signaling.HashEntry{}, err
	}

	h.index.Add(meta.Filename, destPath)

	digest, err := h.fragmentDigest(meta.Filename, destPath)
	if err != nil {
		return signaling.HashEntry{}, err
	}

	h.logger.Infof("Downloaded fragment %s (%d bytes) to %s", meta.Filename, meta.Size, destPath)
	return signaling.HashEntry{FragmentID: meta.Filename, Hash: digest}, nil
}

func (h *Handler) fragmentDigest(id, path string) (string, error) {
	if h.meta == nil {
		return hash.HashFile(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return h.meta.FragmentHash(id, path, info.Size(), info.ModTime().UnixNano(), hash.HashFile)
}
