package transport

import "golang.org/x/sys/unix"

// FDLimit reports the process's current soft and hard open-file limits.
// The scheduler uses the soft limit to cap adaptive concurrency (§5):
// when the computed cap would exceed roughly half of it, the cap is
// lowered with a warning rather than risking fd exhaustion mid-scan.
func FDLimit() (soft, hard uint64, err error) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0, 0, err
	}
	return rlimit.Cur, rlimit.Max, nil
}
