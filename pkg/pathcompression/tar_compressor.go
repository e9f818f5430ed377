package pathcompression

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/tm-backup/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/tm-backup/pkg/plog"
)

// tarCompressor holds the state of one archive write.
type tarCompressor struct {
	ctx          context.Context
	src          string
	format       Format
	level        Level
	ioBufferSize int
	buf          []byte
	metrics      pathcompressionmetrics.Metrics
	logger       *slog.Logger

	tw *tar.Writer
}

// compressMetricWriter wraps an io.Writer and updates metrics on every write.
type compressMetricWriter struct {
	w       io.Writer
	metrics pathcompressionmetrics.Metrics
}

func (mw *compressMetricWriter) Write(p []byte) (n int, err error) {
	n, err = mw.w.Write(p)
	if n > 0 {
		mw.metrics.AddBytesWritten(int64(n))
	}
	return
}

// compressMetricReader wraps an io.Reader and updates metrics on every read.
type compressMetricReader struct {
	r       io.Reader
	metrics pathcompressionmetrics.Metrics
}

func (mr *compressMetricReader) Read(p []byte) (n int, err error) {
	n, err = mr.r.Read(p)
	if n > 0 {
		mr.metrics.AddBytesRead(int64(n))
	}
	return
}

// newCompressedWriter wraps w in the encoder for format at level.
func newCompressedWriter(w io.Writer, format Format, level Level) (io.WriteCloser, error) {
	settings := level.settings()
	if format == TarZst {
		zstdWriter, err := zstd.NewWriter(w, zstd.WithEncoderLevel(settings.zstd))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		return zstdWriter, nil
	}
	pgzipWriter, err := pgzip.NewWriterLevel(w, settings.gzip)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return pgzipWriter, nil
}

func (c *tarCompressor) writeArchive(trgF *os.File) (retErr error) {
	bufWriter := bufio.NewWriterSize(&compressMetricWriter{w: trgF, metrics: c.metrics}, c.ioBufferSize)

	compressedWriter, err := newCompressedWriter(bufWriter, c.format, c.level)
	if err != nil {
		return err
	}

	c.tw = tar.NewWriter(compressedWriter)

	// The order matters: tar trailer, then compressor footer, then the buffer.
	defer func() {
		if err := c.tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := compressedWriter.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("compressed writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	return filepath.WalkDir(c.src, c.addEntry)
}

func (c *tarCompressor) addEntry(absSrcPath string, d fs.DirEntry, walkErr error) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	if walkErr != nil {
		return walkErr
	}
	if absSrcPath == c.src {
		return nil
	}

	info, err := d.Info()
	if err != nil {
		return fmt.Errorf("failed to get file info for %s: %w", absSrcPath, err)
	}
	relPath, err := filepath.Rel(c.src, absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to get relative path for %s: %w", absSrcPath, err)
	}
	relPath = filepath.ToSlash(relPath)

	c.logger.Log(c.ctx, plog.LevelNotice, "ADD", "file", relPath)
	c.metrics.AddEntriesProcessed(1)

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return c.writeSymlink(absSrcPath, relPath, info)
	case info.IsDir():
		return c.writeDir(relPath, info)
	case info.Mode().IsRegular():
		return c.writeFile(absSrcPath, relPath, info)
	default:
		c.logger.Warn("Skipping special file", "file", relPath, "mode", info.Mode())
		return nil
	}
}

func (c *tarCompressor) writeDir(relPath string, info os.FileInfo) error {
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", relPath, err)
	}
	header.Name = relPath + "/"
	return c.tw.WriteHeader(header)
}

func (c *tarCompressor) writeSymlink(absSrcPath, relPath string, info os.FileInfo) error {
	linkTarget, err := os.Readlink(absSrcPath)
	if err != nil {
		return fmt.Errorf("failed to read link %s: %w", absSrcPath, err)
	}
	header, err := tar.FileInfoHeader(info, linkTarget)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", relPath, err)
	}
	header.Name = relPath
	return c.tw.WriteHeader(header)
}

func (c *tarCompressor) writeFile(absSrcPath, relPath string, info os.FileInfo) error {
	f, err := secureFileOpen(absSrcPath, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", absSrcPath, err)
	}
	defer f.Close()

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", relPath, err)
	}
	header.Name = relPath

	if err := c.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", relPath, err)
	}
	if _, err := io.CopyBuffer(c.tw, &compressMetricReader{r: f, metrics: c.metrics}, c.buf); err != nil {
		return fmt.Errorf("failed to archive %s: %w", relPath, err)
	}
	return nil
}

// secureFileOpen opens the file and verifies it is still the one that was
// walked, with the size the tar header was built from.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during export: %s", absFilePath)
	}
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during export: %s", absFilePath)
	}
	return f, nil
}
