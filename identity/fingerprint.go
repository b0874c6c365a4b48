package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// Fingerprint is the hex SHA-256 of everything read from r.
func Fingerprint(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// FileFingerprint hashes the content of the file at path.
func FileFingerprint(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return Fingerprint(f)
}

// Short is the first 12 hex digits of a fingerprint, for log lines.
func Short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
