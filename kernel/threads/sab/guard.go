package sab

// RegionOwner is a bitmask of the process roles that touch a region.
type RegionOwner uint32

const (
	RegionOwnerSupervisor RegionOwner = 1 << 0
	RegionOwnerNode       RegionOwner = 1 << 1
	RegionOwnerUser       RegionOwner = 1 << 2

	regionOwnerAgents = RegionOwnerNode | RegionOwnerUser
	regionOwnerAll    = RegionOwnerSupervisor | regionOwnerAgents
)

// AccessMode says how writers of a region coordinate.
type AccessMode int

const (
	// AccessReadOnly regions are filled by the supervisor before any agent
	// attaches and never change afterwards.
	AccessReadOnly AccessMode = iota
	// AccessSingleWriter regions are written under an exclusive lock.
	AccessSingleWriter
	// AccessMultiWriter regions hold per-slot or atomic state.
	AccessMultiWriter
)

// RegionId identifies the shared regions of a run.
type RegionId uint32

const (
	RegionConfig RegionId = iota
	RegionUsers
	RegionNodes
	RegionRegistry
	RegionBlockCount
	RegionSemaphores
	RegionMailbox
)

type RegionPolicy struct {
	RegionID   RegionId
	Access     AccessMode
	WriterMask RegionOwner
	ReaderMask RegionOwner
}

var regionPolicies = map[RegionId]struct {
	access  AccessMode
	writers RegionOwner
}{
	RegionConfig:     {AccessReadOnly, RegionOwnerSupervisor},
	RegionUsers:      {AccessMultiWriter, RegionOwnerSupervisor | RegionOwnerUser},
	RegionNodes:      {AccessMultiWriter, RegionOwnerSupervisor | RegionOwnerNode},
	RegionRegistry:   {AccessSingleWriter, RegionOwnerSupervisor | RegionOwnerNode},
	RegionBlockCount: {AccessSingleWriter, RegionOwnerSupervisor | RegionOwnerNode},
	RegionSemaphores: {AccessMultiWriter, regionOwnerAll},
	RegionMailbox:    {AccessMultiWriter, regionOwnerAll},
}

// PolicyFor returns who may attach a region and who may map it writable.
// Unknown regions get a policy nobody satisfies.
func PolicyFor(region RegionId) RegionPolicy {
	p, ok := regionPolicies[region]
	if !ok {
		return RegionPolicy{RegionID: region, Access: AccessReadOnly}
	}
	return RegionPolicy{
		RegionID:   region,
		Access:     p.access,
		WriterMask: p.writers,
		ReaderMask: regionOwnerAll,
	}
}

// CanWrite reports whether owner may map the region writable.
func (p RegionPolicy) CanWrite(owner RegionOwner) bool {
	if p.Access == AccessReadOnly && owner != RegionOwnerSupervisor {
		return false
	}
	return p.WriterMask&owner != 0
}

// CanRead reports whether owner may attach the region at all.
func (p RegionPolicy) CanRead(owner RegionOwner) bool {
	return p.ReaderMask&owner != 0
}
