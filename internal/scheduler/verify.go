package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/p-blackswan/harvester/internal/store"
)

// Verification outcomes.
const (
	VerifyOK       = "ok"
	VerifyMissing  = "missing"
	VerifyMismatch = "mismatch"
	VerifyError    = "error"
)

// VerifyResult is the integrity check of one completed download.
type VerifyResult struct {
	DownloadID int64  `json:"download_id"`
	Path       string `json:"path"`
	Status     string `json:"status"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual,omitempty"`
	Error      string `json:"error,omitempty"`
}

// VerifyFiles re-hashes the files of completed downloads and compares them
// with the recorded checksums. Downloads that are not completed are ignored.
func VerifyFiles(ctx context.Context, downloads []*store.Download) ([]VerifyResult, error) {
	var out []VerifyResult
	for _, d := range downloads {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if d.Status != store.DownloadCompleted {
			continue
		}
		res := VerifyResult{DownloadID: d.ID, Path: d.LocalPath, Expected: d.Checksum}
		sum, err := hashFile(d.LocalPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			res.Status = VerifyMissing
		case err != nil:
			res.Status = VerifyError
			res.Error = err.Error()
		case sum != d.Checksum:
			res.Status = VerifyMismatch
			res.Actual = sum
		default:
			res.Status = VerifyOK
			res.Actual = sum
		}
		out = append(out, res)
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
