package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const userAgent = "tgvmax-archiver/1.0 (+https://ressources.data.sncf.com)"

type HTTPHandler struct {
	url    string
	client *http.Client
}

func NewHTTPHandler(url string, client *http.Client) *HTTPHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHandler{url: url, client: client}
}

func (h *HTTPHandler) ID() string {
	return h.url
}

func (h *HTTPHandler) Download(ctx context.Context, dst io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.apache.parquet, application/octet-stream;q=0.9, */*;q=0.1")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("export endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read body after %d bytes: %w", n, err)
	}
	return n, nil
}
