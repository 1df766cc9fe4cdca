package keyValStore

import (
	"errors"
	"os"

	"github.com/shirou/gopsutil/disk"
)

var ErrNoSpace = errors.New("not enough space available on disk")

func (sc *StoreConfig) checkConfig() error {
	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0]
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	return CheckFreeSpace(path, sc.MinimumFreeSpace)
}

// CheckFreeSpace fails with ErrNoSpace when the filesystem holding path has
// less than minimumMB megabytes available.
func CheckFreeSpace(path string, minimumMB int) error {
	if minimumMB <= 0 {
		return nil
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return err
	}
	if usage.Free/(1024*1024) < uint64(minimumMB) {
		return ErrNoSpace
	}
	return nil
}
