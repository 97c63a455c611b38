package storage

import (
	"fmt"
	"strings"
	"time"
)

const archivePrefix = "delivered"

// ArchiveKey places a delivered payload under its delivery date, named by
// the payload hash: delivered/2006/01/02/<hash>.json.
func ArchiveKey(payloadHash string, deliveredAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", archivePrefix, deliveredAt.UTC().Format("2006/01/02"), sanitize(payloadHash))
}

// ValidArchiveKey reports whether key has the shape ArchiveKey produces.
func ValidArchiveKey(key string) bool {
	if !strings.HasPrefix(key, archivePrefix+"/") || !strings.HasSuffix(key, ".json") {
		return false
	}
	return !strings.Contains(key, "..")
}

func sanitize(s string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "?", "_", "&", "_", "=", "_", ".", "_")
	return r.Replace(s)
}
