//go:build !linux

package storage

import (
	"os"
	"time"
)

func fileCreationTime(_ string, info os.FileInfo) time.Time {
	return info.ModTime()
}
