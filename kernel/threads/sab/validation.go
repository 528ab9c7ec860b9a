package sab

import (
	"fmt"
	"sort"
)

// MaxRegionSize bounds a single region. Offsets inside a region are 32-bit.
const MaxRegionSize = 1<<31 - 1

// RegionSpec describes one region a run creates.
type RegionSpec struct {
	Name   string
	Region RegionId
	Size   uint64
}

// RunShape holds everything region sizes depend on.
type RunShape struct {
	Users        int
	Nodes        int
	Registry     int
	BlockSize    int
	MailboxBytes uint64
}

// RunLayout lists every region a run of shape s creates, in creation
// order. Sizes are computed in 64 bits so oversized shapes are caught
// instead of wrapping.
func RunLayout(s RunShape) []RegionSpec {
	rwlock := uint64(SemaphoreSetBytes(RWLOCK_SEMAPHORES))
	block := uint64(BLOCK_HEADER_SIZE) + uint64(s.BlockSize)*TRANSACTION_SIZE

	specs := []RegionSpec{
		{NameConfig, RegionConfig, CONFIG_SIZE},
		{SemaphoreName(NameConfig), RegionSemaphores, rwlock},
		{NameUsers, RegionUsers, uint64(s.Users) * USER_RECORD_SIZE},
		{SemaphoreName(NameUsers), RegionSemaphores, rwlock},
		{NameNodes, RegionNodes, uint64(s.Nodes) * NODE_RECORD_SIZE},
		{SemaphoreName(NameNodes), RegionSemaphores, rwlock},
		{NameRegistry, RegionRegistry, uint64(s.Registry) * block},
		{SemaphoreName(NameRegistry), RegionSemaphores, rwlock},
		{NameBlockCount, RegionBlockCount, SIZE_BLOCK_COUNT},
		{SemaphoreName(NameBlockCount), RegionSemaphores, rwlock},
		{SemaphoreName(NameStart), RegionSemaphores, uint64(SemaphoreSetBytes(1))},
	}
	for i := 0; i < s.Nodes; i++ {
		specs = append(specs, RegionSpec{MailboxName(i), RegionMailbox, s.MailboxBytes})
	}
	return specs
}

// LayoutViolation is one region that cannot be created as specified.
type LayoutViolation struct {
	Name   string
	Size   uint64
	Reason string
}

func (v LayoutViolation) Error() string {
	return fmt.Sprintf("region %s (%d bytes): %s", v.Name, v.Size, v.Reason)
}

// CheckLayout reports every region that is empty, larger than
// MaxRegionSize or named twice.
func CheckLayout(specs []RegionSpec) []LayoutViolation {
	var violations []LayoutViolation
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		switch {
		case s.Size == 0:
			violations = append(violations, LayoutViolation{s.Name, s.Size, "empty"})
		case s.Size > MaxRegionSize:
			violations = append(violations, LayoutViolation{s.Name, s.Size,
				fmt.Sprintf("exceeds %d bytes", uint64(MaxRegionSize))})
		}
		if seen[s.Name] {
			violations = append(violations, LayoutViolation{s.Name, s.Size, "duplicate name"})
		}
		seen[s.Name] = true
	}
	return violations
}

// LayoutBytes is the total shared memory of the listed regions.
func LayoutBytes(specs []RegionSpec) uint64 {
	var total uint64
	for _, s := range specs {
		total += s.Size
	}
	return total
}

// LayoutNames returns the region names of specs, sorted.
func LayoutNames(specs []RegionSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	sort.Strings(names)
	return names
}
