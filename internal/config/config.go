// Package config loads, validates and publishes the run parameters.
//
// Values come from an optional TOML file and from SO_* environment
// variables, the environment taking precedence. Once validated the
// configuration is frozen into a fixed array of words (Snapshot) that the
// supervisor writes into the read-only config region before any agent is
// spawned.
package config

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/nmxmxh/ledgersim/kernel/threads/foundation"
	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

const (
	DefaultBlockSize    = 10
	DefaultRegistrySize = 1000

	// MaxDelayNsec bounds every delay word so a delay range always fits
	// in a time.Duration.
	MaxDelayNsec = math.MaxInt64 - 1
	MaxSimSec    = math.MaxInt64 / uint64(time.Second)
)

// Config holds every simulation parameter. All values are unsigned.
type Config struct {
	UsersNum         uint64 `toml:"users_num"`
	NodesNum         uint64 `toml:"nodes_num"`
	BudgetInit       uint64 `toml:"budget_init"`
	Reward           uint64 `toml:"reward"`
	MinTransGenNsec  uint64 `toml:"min_trans_gen_nsec"`
	MaxTransGenNsec  uint64 `toml:"max_trans_gen_nsec"`
	Retry            uint64 `toml:"retry"`
	TPSize           uint64 `toml:"tp_size"`
	MinTransProcNsec uint64 `toml:"min_trans_proc_nsec"`
	MaxTransProcNsec uint64 `toml:"max_trans_proc_nsec"`
	SimSec           uint64 `toml:"sim_sec"`
	FriendsNum       uint64 `toml:"friends_num"`
	Hops             uint64 `toml:"hops"`
	BlockSize        uint64 `toml:"block_size"`
	RegistrySize     uint64 `toml:"registry_size"`
}

// Param describes one configuration word.
type Param struct {
	Env      string
	Key      string
	Required bool
	value    func(*Config) *uint64
}

// Params lists the configuration words in snapshot order.
var Params = []Param{
	{"SO_USERS_NUM", "users_num", true, func(c *Config) *uint64 { return &c.UsersNum }},
	{"SO_NODES_NUM", "nodes_num", true, func(c *Config) *uint64 { return &c.NodesNum }},
	{"SO_BUDGET_INIT", "budget_init", true, func(c *Config) *uint64 { return &c.BudgetInit }},
	{"SO_REWARD", "reward", true, func(c *Config) *uint64 { return &c.Reward }},
	{"SO_MIN_TRANS_GEN_NSEC", "min_trans_gen_nsec", true, func(c *Config) *uint64 { return &c.MinTransGenNsec }},
	{"SO_MAX_TRANS_GEN_NSEC", "max_trans_gen_nsec", true, func(c *Config) *uint64 { return &c.MaxTransGenNsec }},
	{"SO_RETRY", "retry", true, func(c *Config) *uint64 { return &c.Retry }},
	{"SO_TP_SIZE", "tp_size", true, func(c *Config) *uint64 { return &c.TPSize }},
	{"SO_MIN_TRANS_PROC_NSEC", "min_trans_proc_nsec", true, func(c *Config) *uint64 { return &c.MinTransProcNsec }},
	{"SO_MAX_TRANS_PROC_NSEC", "max_trans_proc_nsec", true, func(c *Config) *uint64 { return &c.MaxTransProcNsec }},
	{"SO_SIM_SEC", "sim_sec", true, func(c *Config) *uint64 { return &c.SimSec }},
	{"SO_FRIENDS_NUM", "friends_num", true, func(c *Config) *uint64 { return &c.FriendsNum }},
	{"SO_HOPS", "hops", true, func(c *Config) *uint64 { return &c.Hops }},
	{"SO_BLOCK_SIZE", "block_size", false, func(c *Config) *uint64 { return &c.BlockSize }},
	{"SO_REGISTRY_SIZE", "registry_size", false, func(c *Config) *uint64 { return &c.RegistrySize }},
}

// Value returns the word p describes.
func (p Param) Value(c Config) uint64 {
	return *p.value(&c)
}

// Default returns a configuration with only the build-time constants set.
func Default() Config {
	return Config{
		BlockSize:    DefaultBlockSize,
		RegistrySize: DefaultRegistrySize,
	}
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the optional TOML file at path, overlays the process
// environment and validates the result.
func Load(path string) (Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	var result *multierror.Error

	defined := map[string]bool{}
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		for _, key := range md.Keys() {
			defined[key.String()] = true
		}
		for _, key := range md.Undecoded() {
			result = multierror.Append(result, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, key.String(), path))
		}
	}

	for _, p := range Params {
		raw, ok := lookup(p.Env)
		if ok {
			v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%w: %s=%q is not an unsigned integer", ErrInvalid, p.Env, raw))
				continue
			}
			*p.value(&cfg) = v
			continue
		}
		if p.Required && !defined[p.Key] {
			result = multierror.Append(result, fmt.Errorf("%w: %s", ErrMissing, p.Env))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every constraint violation.
func (c Config) Validate() error {
	var result *multierror.Error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.UsersNum >= 2, "SO_USERS_NUM must be at least 2, got %d", c.UsersNum)
	check(c.NodesNum >= 1, "SO_NODES_NUM must be at least 1, got %d", c.NodesNum)
	check(c.Reward <= 100, "SO_REWARD must be in [0,100], got %d", c.Reward)
	check(c.MaxTransGenNsec >= c.MinTransGenNsec,
		"SO_MAX_TRANS_GEN_NSEC (%d) must be >= SO_MIN_TRANS_GEN_NSEC (%d)", c.MaxTransGenNsec, c.MinTransGenNsec)
	check(c.MaxTransProcNsec >= c.MinTransProcNsec,
		"SO_MAX_TRANS_PROC_NSEC (%d) must be >= SO_MIN_TRANS_PROC_NSEC (%d)", c.MaxTransProcNsec, c.MinTransProcNsec)
	check(c.BlockSize >= 2, "SO_BLOCK_SIZE must be at least 2, got %d", c.BlockSize)
	check(c.TPSize > c.BlockSize, "SO_TP_SIZE (%d) must be greater than SO_BLOCK_SIZE (%d)", c.TPSize, c.BlockSize)
	check(c.RegistrySize >= 1, "SO_REGISTRY_SIZE must be at least 1, got %d", c.RegistrySize)
	check(c.SimSec >= 1, "SO_SIM_SEC must be at least 1, got %d", c.SimSec)
	check(c.SimSec <= MaxSimSec, "SO_SIM_SEC must be at most %d, got %d", MaxSimSec, c.SimSec)
	for _, d := range []struct {
		env string
		v   uint64
	}{
		{"SO_MIN_TRANS_GEN_NSEC", c.MinTransGenNsec},
		{"SO_MAX_TRANS_GEN_NSEC", c.MaxTransGenNsec},
		{"SO_MIN_TRANS_PROC_NSEC", c.MinTransProcNsec},
		{"SO_MAX_TRANS_PROC_NSEC", c.MaxTransProcNsec},
	} {
		check(d.v <= MaxDelayNsec, "%s must be at most %d, got %d", d.env, uint64(MaxDelayNsec), d.v)
	}
	check(c.TPSize <= 1<<20, "SO_TP_SIZE must be at most %d, got %d", 1<<20, c.TPSize)
	check(c.UsersNum+c.NodesNum <= 1<<16, "population of %d agents is too large", c.UsersNum+c.NodesNum)
	check(c.BudgetInit <= 1<<62, "SO_BUDGET_INIT is too large, got %d", c.BudgetInit)

	if result.ErrorOrNil() == nil {
		for _, v := range sab.CheckLayout(c.Layout()) {
			check(false, "%s", v.Error())
		}
	}
	return result.ErrorOrNil()
}

// Layout lists the regions a run of c creates.
func (c Config) Layout() []sab.RegionSpec {
	return sab.RunLayout(sab.RunShape{
		Users:        int(c.UsersNum),
		Nodes:        int(c.NodesNum),
		Registry:     int(c.RegistrySize),
		BlockSize:    int(c.BlockSize),
		MailboxBytes: uint64(foundation.MailboxBytes(uint32(c.TPSize), sab.TRANSACTION_SIZE)),
	})
}

func nsec(v uint64) time.Duration {
	return time.Duration(int64(v))
}

// GenDelayRange returns the bounds of the transaction generation delay.
func (c Config) GenDelayRange() (time.Duration, time.Duration) {
	return nsec(c.MinTransGenNsec), nsec(c.MaxTransGenNsec)
}

// ProcDelayRange returns the bounds of the block processing delay.
func (c Config) ProcDelayRange() (time.Duration, time.Duration) {
	return nsec(c.MinTransProcNsec), nsec(c.MaxTransProcNsec)
}

// SimDuration returns the alarm duration.
func (c Config) SimDuration() time.Duration {
	return time.Duration(c.SimSec) * time.Second
}

// TransactionsPerBlock is the number of user transactions in a block; the
// last slot holds the reward.
func (c Config) TransactionsPerBlock() int {
	return int(c.BlockSize) - 1
}

// Snapshot is the frozen configuration as published in shared memory.
type Snapshot [sab.CONFIG_WORDS]uint64

// Snapshot freezes c.
func (c Config) Snapshot() Snapshot {
	var s Snapshot
	for i, p := range Params {
		s[i] = p.Value(c)
	}
	return s
}

// Config thaws a snapshot.
func (s Snapshot) Config() Config {
	var c Config
	for i, p := range Params {
		*p.value(&c) = s[i]
	}
	return c
}

// Encode lays the snapshot out as little endian words.
func (s Snapshot) Encode() []byte {
	buf := make([]byte, sab.CONFIG_SIZE)
	for i, v := range s {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// DecodeSnapshot parses the output of Encode.
func DecodeSnapshot(buf []byte) (Snapshot, error) {
	var s Snapshot
	if len(buf) != sab.CONFIG_SIZE {
		return s, fmt.Errorf("%w: %d bytes, want %d", ErrSnapshot, len(buf), sab.CONFIG_SIZE)
	}
	for i := range s {
		s[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return s, nil
}

// Publish writes the snapshot at the start of mem.
func Publish(mem sab.MemoryProvider, c Config) error {
	return mem.WriteAt(0, c.Snapshot().Encode())
}

// Read loads and validates a published configuration.
func Read(mem sab.MemoryProvider) (Config, error) {
	buf := make([]byte, sab.CONFIG_SIZE)
	if err := mem.ReadAt(0, buf); err != nil {
		return Config{}, err
	}
	s, err := DecodeSnapshot(buf)
	if err != nil {
		return Config{}, err
	}
	cfg := s.Config()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrSnapshot, err)
	}
	return cfg, nil
}
