package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/nmxmxh/ledgersim/internal/config"
	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
	"github.com/nmxmxh/ledgersim/kernel/utils"
)

// NameStart is the region holding the start barrier semaphore.
const NameStart = sab.NameStart

// Resources holds every IPC handle one process of a run uses. The
// supervisor builds it with Provision and owns the underlying regions;
// agents build it with Attach and only hold views.
//
// Each handle registers its own release step as soon as it exists, so
// Teardown is correct from any partially built state and runs only once.
type Resources struct {
	Role      sab.RegionOwner
	Namespace sab.Namespace
	Config    config.Config

	Ledger *Ledger
	Users  *UserTable
	Nodes  *NodeTable
	Start  *foundation.SemaphoreSet

	log     *utils.Logger
	release *utils.GracefulShutdown

	mu           sync.Mutex
	mailboxes    map[int]*foundation.Mailbox
	mailboxNames []string
	locks        []*foundation.ReaderWriterLock
}

func newResources(ns sab.Namespace, role sab.RegionOwner, log *utils.Logger) *Resources {
	if log == nil {
		log = utils.NopLogger()
	}
	return &Resources{
		Role:      role,
		Namespace: ns,
		log:       log,
		release:   utils.NewGracefulShutdown(0, log),
		mailboxes: make(map[int]*foundation.Mailbox),
	}
}

// alreadyGone reports outcomes that mean a resource was released earlier.
func alreadyGone(err error) bool {
	return errors.Is(err, sab.ErrNotFound) ||
		errors.Is(err, sab.ErrDetached) ||
		errors.Is(err, foundation.ErrRemoved) ||
		utils.IsAlreadyGone(err)
}

func tolerate(err error) error {
	if err == nil || alreadyGone(err) {
		return nil
	}
	return err
}

// Provision creates every region of a run inside ns and initialises it from
// cfg. On failure the returned Resources still holds what was created and
// must be torn down by the caller.
func Provision(ns sab.Namespace, cfg config.Config, log *utils.Logger) (*Resources, error) {
	r := newResources(ns, sab.RegionOwnerSupervisor, log)
	r.Config = cfg
	r.release.Register("destroy namespace", func() error {
		return tolerate(ns.Destroy())
	})
	return r, r.provision()
}

func (r *Resources) provision() error {
	cfg := r.Config

	configMem, err := r.create(sab.NameConfig, sab.CONFIG_SIZE)
	if err != nil {
		return err
	}
	configLock, err := r.createLock(sab.NameConfig)
	if err != nil {
		return err
	}
	err = foundation.WithWrite(configLock, func() error {
		return config.Publish(configMem, cfg)
	})
	if err != nil {
		return utils.ResourceError("publish", sab.NameConfig, err)
	}

	if err := r.buildTables(r.create, r.createLock); err != nil {
		return err
	}

	start, err := r.createSemaphores(NameStart, uint32(cfg.UsersNum+cfg.NodesNum))
	if err != nil {
		return err
	}
	r.Start = start

	for slot := 0; slot < int(cfg.NodesNum); slot++ {
		name := sab.MailboxName(slot)
		mem, err := r.create(name, foundation.MailboxBytes(uint32(cfg.TPSize), sab.TRANSACTION_SIZE))
		if err != nil {
			return err
		}
		mb, err := foundation.InitMailbox(mem, uint32(cfg.TPSize), sab.TRANSACTION_SIZE)
		if err != nil {
			return utils.ResourceError("init", name, err)
		}
		r.release.Register("mark "+name+" removed", func() error {
			return tolerate(mb.Remove())
		})
		r.mailboxes[slot] = mb
		r.mailboxNames = append(r.mailboxNames, name)
	}

	r.log.Debug("Provisioned run resources",
		utils.String("namespace", r.Namespace.String()),
		utils.Int("mailboxes", len(r.mailboxNames)))
	return nil
}

type openFunc func(name string, size uint32) (sab.MemoryProvider, error)
type lockFunc func(region string) (*foundation.ReaderWriterLock, error)

func (r *Resources) buildTables(open openFunc, lock lockFunc) error {
	cfg := r.Config

	usersMem, err := open(sab.NameUsers, uint32(cfg.UsersNum)*sab.USER_RECORD_SIZE)
	if err != nil {
		return err
	}
	usersLock, err := lock(sab.NameUsers)
	if err != nil {
		return err
	}
	if r.Users, err = NewUserTable(usersMem, usersLock, int(cfg.UsersNum)); err != nil {
		return err
	}

	nodesMem, err := open(sab.NameNodes, uint32(cfg.NodesNum)*sab.NODE_RECORD_SIZE)
	if err != nil {
		return err
	}
	nodesLock, err := lock(sab.NameNodes)
	if err != nil {
		return err
	}
	if r.Nodes, err = NewNodeTable(nodesMem, nodesLock, int(cfg.NodesNum)); err != nil {
		return err
	}

	registryMem, err := open(sab.NameRegistry, sab.RegistryBytes(int(cfg.RegistrySize), int(cfg.BlockSize)))
	if err != nil {
		return err
	}
	registryLock, err := lock(sab.NameRegistry)
	if err != nil {
		return err
	}
	counterMem, err := open(sab.NameBlockCount, sab.SIZE_BLOCK_COUNT)
	if err != nil {
		return err
	}
	counterLock, err := lock(sab.NameBlockCount)
	if err != nil {
		return err
	}
	r.Ledger, err = NewLedger(registryMem, counterMem, registryLock, counterLock, int(cfg.RegistrySize), int(cfg.BlockSize))
	return err
}

func (r *Resources) create(name string, size uint32) (sab.MemoryProvider, error) {
	mem, err := r.Namespace.Create(name, size)
	if err != nil {
		return nil, utils.ResourceError("create", name, err)
	}
	r.release.Register("remove "+name, func() error {
		var result *multierror.Error
		result = multierror.Append(result, tolerate(mem.Close()))
		result = multierror.Append(result, tolerate(r.Namespace.Remove(name)))
		return result.ErrorOrNil()
	})
	return mem, nil
}

func (r *Resources) createSemaphores(region string, values ...uint32) (*foundation.SemaphoreSet, error) {
	name := sab.SemaphoreName(region)
	mem, err := r.create(name, sab.SemaphoreSetBytes(len(values)))
	if err != nil {
		return nil, err
	}
	set, err := foundation.NewSemaphoreSet(mem, 0, len(values))
	if err != nil {
		return nil, utils.ResourceError("init", name, err)
	}
	if err := set.Init(values...); err != nil {
		return nil, utils.ResourceError("init", name, err)
	}
	r.release.Register("mark "+name+" removed", func() error {
		return tolerate(set.Remove())
	})
	return set, nil
}

func (r *Resources) createLock(region string) (*foundation.ReaderWriterLock, error) {
	set, err := r.createSemaphores(region, 1, 1, 0)
	if err != nil {
		return nil, err
	}
	l := foundation.NewReaderWriterLock(set)
	r.mu.Lock()
	r.locks = append(r.locks, l)
	r.mu.Unlock()
	return l, nil
}

// RecoverLocks puts every reader/writer lock of the run back in the
// unlocked state. The supervisor calls it once it has killed agents that may
// have died inside a critical section; no agent may be alive at that point.
func (r *Resources) RecoverLocks() error {
	if r.Role != sab.RegionOwnerSupervisor {
		return errors.New("only the supervisor can recover locks")
	}
	r.mu.Lock()
	locks := append([]*foundation.ReaderWriterLock(nil), r.locks...)
	r.mu.Unlock()

	var result *multierror.Error
	for _, l := range locks {
		if err := l.Reset(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Attach opens an existing run from an agent process. Regions the role may
// not write are mapped read-only.
func Attach(ns sab.Namespace, role sab.RegionOwner, log *utils.Logger) (*Resources, error) {
	r := newResources(ns, role, log)
	return r, r.attach()
}

func (r *Resources) attach() error {
	configMem, err := r.open(sab.NameConfig, sab.RegionConfig)
	if err != nil {
		return err
	}
	configLock, err := r.openLock(sab.NameConfig)
	if err != nil {
		return err
	}
	err = foundation.WithRead(configLock, func() error {
		r.Config, err = config.Read(configMem)
		return err
	})
	if err != nil {
		return utils.ResourceError("read", sab.NameConfig, err)
	}

	regions := map[string]sab.RegionId{
		sab.NameUsers:      sab.RegionUsers,
		sab.NameNodes:      sab.RegionNodes,
		sab.NameRegistry:   sab.RegionRegistry,
		sab.NameBlockCount: sab.RegionBlockCount,
	}
	open := func(name string, _ uint32) (sab.MemoryProvider, error) {
		return r.open(name, regions[name])
	}
	if err := r.buildTables(open, r.openLock); err != nil {
		return err
	}

	startMem, err := r.open(sab.SemaphoreName(NameStart), sab.RegionSemaphores)
	if err != nil {
		return err
	}
	if r.Start, err = foundation.NewSemaphoreSet(startMem, 0, 1); err != nil {
		return utils.ResourceError("attach", sab.SemaphoreName(NameStart), err)
	}
	return nil
}

func (r *Resources) open(name string, region sab.RegionId) (sab.MemoryProvider, error) {
	readOnly := !sab.PolicyFor(region).CanWrite(r.Role)
	mem, err := r.Namespace.Open(name, readOnly)
	if err != nil {
		return nil, utils.ResourceError("attach", name, err)
	}
	r.release.Register("detach "+name, func() error {
		return tolerate(mem.Close())
	})
	return mem, nil
}

func (r *Resources) openLock(region string) (*foundation.ReaderWriterLock, error) {
	name := sab.SemaphoreName(region)
	mem, err := r.open(name, sab.RegionSemaphores)
	if err != nil {
		return nil, err
	}
	set, err := foundation.NewSemaphoreSet(mem, 0, foundation.RWLockSemaphores)
	if err != nil {
		return nil, utils.ResourceError("attach", name, err)
	}
	return foundation.NewReaderWriterLock(set), nil
}

// Mailbox returns the mailbox of the node registered in slot, attaching to
// it on first use.
func (r *Resources) Mailbox(slot int) (*foundation.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mb, ok := r.mailboxes[slot]; ok {
		return mb, nil
	}
	if slot < 0 || slot >= int(r.Config.NodesNum) {
		return nil, fmt.Errorf("mailbox slot %d out of range [0,%d)", slot, r.Config.NodesNum)
	}
	name := sab.MailboxName(slot)
	mem, err := r.open(name, sab.RegionMailbox)
	if err != nil {
		return nil, err
	}
	mb, err := foundation.AttachMailbox(mem, sab.TRANSACTION_SIZE)
	if err != nil {
		return nil, utils.ResourceError("attach", name, err)
	}
	r.mailboxes[slot] = mb
	return mb, nil
}

// MailboxNames lists the mailboxes created by Provision.
func (r *Resources) MailboxNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.mailboxNames...)
}

// AwaitStart decrements the start barrier and waits until every agent of
// the population has done the same.
func (r *Resources) AwaitStart(ctx context.Context) error {
	if err := r.Start.Reserve(ctx, 0); err != nil {
		return err
	}
	return r.Start.WaitZero(ctx, 0)
}

// Teardown releases everything this process holds, newest first. For the
// supervisor that means marking semaphores and mailboxes removed, unmapping
// and unlinking every region and removing the namespace; for agents it only
// unmaps their views. Failures are collected and the remaining steps still
// run. Later calls return the first result.
func (r *Resources) Teardown(ctx context.Context) error {
	return r.release.Shutdown(ctx)
}

// Detach is Teardown for agents, which never own a region.
func (r *Resources) Detach(ctx context.Context) error {
	return r.Teardown(ctx)
}
