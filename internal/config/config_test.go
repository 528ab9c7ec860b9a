package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/ledgersim/kernel/threads/sab"
)

func validEnv() map[string]string {
	return map[string]string{
		"SO_USERS_NUM":           "100",
		"SO_NODES_NUM":           "10",
		"SO_BUDGET_INIT":         "1000",
		"SO_REWARD":              "20",
		"SO_MIN_TRANS_GEN_NSEC":  "10000000",
		"SO_MAX_TRANS_GEN_NSEC":  "10000000",
		"SO_RETRY":               "2",
		"SO_TP_SIZE":             "20",
		"SO_MIN_TRANS_PROC_NSEC": "10000000",
		"SO_MAX_TRANS_PROC_NSEC": "20000000",
		"SO_SIM_SEC":             "10",
		"SO_FRIENDS_NUM":         "3",
		"SO_HOPS":                "10",
	}
}

func lookupIn(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	cfg, err := LoadWith("", lookupIn(validEnv()))
	require.NoError(t, err)

	assert.Equal(t, uint64(100), cfg.UsersNum)
	assert.Equal(t, uint64(20), cfg.Reward)
	assert.Equal(t, uint64(DefaultBlockSize), cfg.BlockSize)
	assert.Equal(t, uint64(DefaultRegistrySize), cfg.RegistrySize)
	assert.Equal(t, 9, cfg.TransactionsPerBlock())
	assert.Equal(t, "10s", cfg.SimDuration().String())
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	env := validEnv()
	delete(env, "SO_HOPS")
	env["SO_REWARD"] = "101"
	env["SO_MAX_TRANS_PROC_NSEC"] = "1"
	env["SO_USERS_NUM"] = "many"

	_, err := LoadWith("", lookupIn(env))
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	// parse and missing errors stop before range checks
	assert.Len(t, merr.Errors, 2)
	assert.ErrorIs(t, err, ErrMissing)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "SO_HOPS")
	assert.Contains(t, err.Error(), "SO_USERS_NUM")
}

func TestValidate_Ranges(t *testing.T) {
	cfg, err := LoadWith("", lookupIn(validEnv()))
	require.NoError(t, err)

	cfg.Reward = 101
	cfg.MaxTransProcNsec = 1
	cfg.TPSize = cfg.BlockSize
	cfg.UsersNum = 1

	err = cfg.Validate()
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 4)
	for _, e := range merr.Errors {
		assert.ErrorIs(t, e, ErrInvalid)
	}
}

func TestValidate_RegionTooLarge(t *testing.T) {
	cfg, err := LoadWith("", lookupIn(validEnv()))
	require.NoError(t, err)

	cfg.RegistrySize = 1 << 30
	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "region registry")

	cfg.RegistrySize = DefaultRegistrySize
	specs := cfg.Layout()
	assert.Len(t, specs, 11+int(cfg.NodesNum))
	assert.Empty(t, sab.CheckLayout(specs))
}

func TestLoad_FileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgersim.toml")
	body := `
users_num = 5
nodes_num = 2
budget_init = 100
reward = 10
min_trans_gen_nsec = 1000
max_trans_gen_nsec = 2000
retry = 3
tp_size = 8
min_trans_proc_nsec = 1000
max_trans_proc_nsec = 2000
sim_sec = 2
friends_num = 1
hops = 1
block_size = 4
registry_size = 16
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadWith(path, lookupIn(map[string]string{"SO_USERS_NUM": "7"}))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cfg.UsersNum)
	assert.Equal(t, uint64(2), cfg.NodesNum)
	assert.Equal(t, uint64(4), cfg.BlockSize)
	assert.Equal(t, uint64(16), cfg.RegistrySize)
}

func TestLoad_UnknownFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("users_nmu = 5\n"), 0o644))

	_, err := LoadWith(path, lookupIn(validEnv()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "users_nmu")
}

func TestSnapshot_PublishRead(t *testing.T) {
	cfg, err := LoadWith("", lookupIn(validEnv()))
	require.NoError(t, err)

	mem := sab.NewInMemoryProvider(sab.CONFIG_SIZE)
	require.NoError(t, Publish(mem, cfg))

	got, err := Read(mem.View(true))
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
	assert.Len(t, Params, sab.CONFIG_WORDS)

	_, err = DecodeSnapshot(make([]byte, 3))
	assert.ErrorIs(t, err, ErrSnapshot)

	_, err = Read(sab.NewInMemoryProvider(sab.CONFIG_SIZE))
	assert.ErrorIs(t, err, ErrSnapshot, "an all-zero snapshot is not a valid run")
}

func TestValidate_DurationsFit(t *testing.T) {
	cfg, err := LoadWith("", lookupIn(validEnv()))
	require.NoError(t, err)

	cfg.MinTransGenNsec = 0
	cfg.MaxTransGenNsec = math.MaxInt64
	cfg.MaxTransProcNsec = math.MaxUint64
	cfg.SimSec = MaxSimSec + 1

	err = cfg.Validate()
	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 3)
	assert.Contains(t, err.Error(), "SO_MAX_TRANS_GEN_NSEC")
	assert.Contains(t, err.Error(), "SO_MAX_TRANS_PROC_NSEC")
	assert.Contains(t, err.Error(), "SO_SIM_SEC")

	cfg.MaxTransGenNsec = MaxDelayNsec
	cfg.MaxTransProcNsec = MaxDelayNsec
	cfg.SimSec = MaxSimSec
	require.NoError(t, cfg.Validate())
	lo, hi := cfg.GenDelayRange()
	assert.Zero(t, lo)
	assert.Equal(t, time.Duration(MaxDelayNsec), hi)
	assert.Positive(t, cfg.SimDuration())
}
