package lock

import (
	"hash/crc32"
	"sync"
)

// txMutexes is a fixed pool of process-wide mutexes keyed by name hash,
// standing in for database advisory locks which SQLite does not have.
const txMutexCount = 64

var txMutexes [txMutexCount]sync.Mutex

// TxLock acquires the advisory mutex for name and returns its release
// function. It is meant to bracket a single store transaction. Do not hold
// it across long transactions or nest acquisitions: the pool is shared and
// hash collisions make nesting a deadlock hazard.
func TxLock(name string) (release func()) {
	m := &txMutexes[crc32.ChecksumIEEE([]byte(name))%txMutexCount]
	m.Lock()
	return m.Unlock
}
