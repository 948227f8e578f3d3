package governor

import "github.com/shirou/gopsutil/v4/disk"

// FreeBytes returns the free space on the filesystem containing path.
func FreeBytes(path string) (uint64, error) {
	du, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return du.Free, nil
}

// IsLowDisk reports whether free space on the filesystem containing path is
// below thresholdGB. Workers treat low disk like pause: back off and retry,
// rather than failing tasks. Errors read as "not low" so a transient statfs
// failure never stalls the pool.
func IsLowDisk(path string, thresholdGB float64) bool {
	free, err := FreeBytes(path)
	if err != nil {
		return false
	}
	return float64(free)/(1<<30) < thresholdGB
}
