package keyValStore

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// logDiskUsage logs disk usage for the configured path at debug level.
func (k *KeyValStore) logDiskUsage() {
	if !k.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	path := k.config.Paths[0]
	usage, err := disk.Usage(path)
	if err != nil {
		k.log.WithField("path", path).Debugf("Error retrieving disk usage stats: %v", err)
		return
	}
	pathSize, err := calculateDirectorySize(path)
	if err != nil {
		k.log.WithField("path", path).Debugf("Error calculating directory size: %v", err)
		return
	}
	k.log.WithFields(logrus.Fields{
		"path":        path,
		"fstype":      usage.Fstype,
		"total":       humanize.Bytes(usage.Total),
		"used":        humanize.Bytes(usage.Used),
		"free":        humanize.Bytes(usage.Free),
		"usage by db": humanize.Bytes(uint64(pathSize)),
	}).Debug("Disk Usage")
}
