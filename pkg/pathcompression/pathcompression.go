// Package pathcompression exports a snapshot directory as a compressed tar
// archive.
package pathcompression

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/pool"
)

// copyBufferSize is the size of the buffer file contents are copied through.
const copyBufferSize = 32 * 1024

// progressInterval is how often a running export logs its counters.
var progressInterval = 10 * time.Second

// PathCompressor writes snapshot archives.
type PathCompressor struct {
	ioBufferSize int
	bufferPool   *pool.FixedBufferPool
	logger       *slog.Logger
}

// NewPathCompressor creates a PathCompressor. bufferSizeKB sets the size of the
// write buffer in front of the compressor; values <= 0 use 256 KB.
func NewPathCompressor(bufferSizeKB int, logger *slog.Logger) *PathCompressor {
	if bufferSizeKB <= 0 {
		bufferSizeKB = 256
	}
	return &PathCompressor{
		ioBufferSize: bufferSizeKB * 1024,
		bufferPool:   pool.NewFixedBuffer(copyBufferSize),
		logger:       plog.OrDefault(logger),
	}
}

// Compress archives the tree under absSourceDir into absArchiveFilePath.
// The archive is written to a temporary file next to the destination and
// renamed into place once complete, so a failed run never leaves a partial
// archive under the final name. An existing archive is replaced.
func (c *PathCompressor) Compress(ctx context.Context, absSourceDir, absArchiveFilePath string, format Format, level Level) (retErr error) {
	info, err := os.Stat(absSourceDir)
	if err != nil {
		return fmt.Errorf("cannot access export source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("export source %s is not a directory", absSourceDir)
	}
	if _, ok := formatToString[format]; !ok {
		return fmt.Errorf("unsupported archive format %q", format)
	}

	c.logger.Info("Exporting snapshot", "source", absSourceDir, "archive", absArchiveFilePath, "format", format, "level", level)

	// 1. Create Temp File
	trgF, err := os.CreateTemp(filepath.Dir(absArchiveFilePath), "tm-backup-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
		}
	}()

	// 2. Write Archive Content
	metrics := pathcompressionmetrics.NewCompressionMetrics(c.logger)
	metrics.StartProgress("Export progress", progressInterval)
	defer metrics.StopProgress()

	bufPtr := c.bufferPool.Get()
	defer c.bufferPool.Put(bufPtr)

	tc := &tarCompressor{
		ctx:          ctx,
		src:          absSourceDir,
		format:       format,
		level:        level,
		ioBufferSize: c.ioBufferSize,
		buf:          *bufPtr,
		metrics:      metrics,
		logger:       c.logger,
	}
	if err := tc.writeArchive(trgF); err != nil {
		return err
	}

	// 3. Close explicitly
	if err := trgF.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// 4. Atomic Rename
	if err := os.Rename(tempTrgPath, absArchiveFilePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	metrics.LogSummary("Export finished")
	return nil
}
