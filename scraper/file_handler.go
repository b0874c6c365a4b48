package scraper

import (
	"context"
	"io"
	"os"
	"strings"
)

// FileHandler reads a snapshot that is already on disk, e.g. a mirrored
// export or a test fixture. Both plain paths and file:// URLs work.
type FileHandler struct {
	path string
}

func NewFileHandler(source string) *FileHandler {
	return &FileHandler{path: strings.TrimPrefix(source, "file://")}
}

func (h *FileHandler) ID() string {
	return "file://" + h.path
}

func (h *FileHandler) Download(ctx context.Context, dst io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(h.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}
