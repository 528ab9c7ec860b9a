package sab

import "fmt"

// Region layout constants. Every record is a fixed number of bytes so that
// all processes agree on offsets without sharing any Go type.
const (
	// ========== CONFIGURATION ==========
	// Fixed array of unsigned 64-bit words, see config.Snapshot.
	CONFIG_WORDS = 15
	CONFIG_SIZE  = CONFIG_WORDS * 8

	// ========== TRANSACTION (40 bytes) ==========
	// 0  sec      int64
	// 8  nsec     int32
	// 12 sender   int32
	// 16 receiver int32
	// 20 pad      [4]byte
	// 24 quantity int64
	// 32 reward   int64
	TRANSACTION_SIZE = 40

	// ========== BLOCK ==========
	// 0 index uint32, 4 pad, 8 transactions
	BLOCK_HEADER_SIZE = 8

	// ========== BLOCK COUNT ==========
	OFFSET_BLOCK_COUNT = 0
	SIZE_BLOCK_COUNT   = 8

	// ========== USER RECORD (24 bytes) ==========
	// 0 pid int32, 4 alive uint32, 8 budget int64, 16 failed uint32, 20 pad
	USER_RECORD_SIZE = 24

	// ========== NODE RECORD (24 bytes) ==========
	// 0 pid int32, 4 blocks uint32, 8 reward int64, 16 unprocessed uint32, 20 pad
	NODE_RECORD_SIZE = 24

	// ========== SEMAPHORE SET ==========
	// 0 removed flag, then one uint32 per semaphore
	SEMAPHORE_HEADER_SIZE = 4
	// write, mutex, readcount
	RWLOCK_SEMAPHORES = 3
)

// Well-known region names of a run.
const (
	NameConfig     = "config"
	NameUsers      = "users"
	NameNodes      = "nodes"
	NameRegistry   = "registry"
	NameBlockCount = "block-count"
	NameStart      = "start"
)

// BlockBytes is the encoded size of one block of blockSize transactions.
func BlockBytes(blockSize int) uint32 {
	return BLOCK_HEADER_SIZE + uint32(blockSize)*TRANSACTION_SIZE
}

// RegistryBytes is the size of a registry holding capacity blocks.
func RegistryBytes(capacity, blockSize int) uint32 {
	return uint32(capacity) * BlockBytes(blockSize)
}

// SemaphoreSetBytes is the size of a set of n semaphores.
func SemaphoreSetBytes(n int) uint32 {
	return SEMAPHORE_HEADER_SIZE + uint32(n)*4
}

// SemaphoreName names the semaphore set guarding region.
func SemaphoreName(region string) string {
	return "sem-" + region
}

// MailboxName names the transaction pool of the node in slot index.
func MailboxName(index int) string {
	return fmt.Sprintf("mailbox-%03d", index)
}
