package services

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Artifact is one published file under the public dir.
type Artifact struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// Rows is the parquet row count, or -1 for other files and unreadable footers.
	Rows int64 `json:"rows"`
}

// Transient reports whether name is an in-progress .tmp or swapped-out .old
// export entry.
func Transient(name string) bool {
	return strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".old")
}

// Inventory lists the published files under root in reverse path order,
// newest partitions first. In-progress .tmp and swapped-out .old entries
// are left out.
func Inventory(root string) ([]Artifact, error) {
	var out []Artifact
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if Transient(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		a := Artifact{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Rows:    -1,
		}
		if strings.HasSuffix(d.Name(), ".parquet") {
			if n, err := ParquetRows(path); err == nil {
				a.Rows = n
			}
		}
		out = append(out, a)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

// TotalSize sums the sizes of the listed artifacts.
func TotalSize(artifacts []Artifact) int64 {
	var total int64
	for _, a := range artifacts {
		total += a.Size
	}
	return total
}

// ParquetRows reads the row count from a parquet file's footer.
func ParquetRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	pf, err := parquet.OpenFile(f, info.Size(), parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		return 0, err
	}
	return pf.NumRows(), nil
}
