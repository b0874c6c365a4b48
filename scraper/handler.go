package scraper

import (
	"context"
	"io"
	"net/http"
	"strings"
)

// Handler retrieves the raw snapshot bytes from one kind of source.
type Handler interface {
	ID() string
	Download(ctx context.Context, dst io.Writer) (int64, error)
}

// NewHandler picks a handler for source: http(s) URLs are downloaded with
// client, anything else is read from the local filesystem.
func NewHandler(source string, client *http.Client) Handler {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return NewHTTPHandler(source, client)
	default:
		return NewFileHandler(source)
	}
}
