package lsm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOptionsFromEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(env, []byte(
		"LSM_DIR="+dir+"\nLSM_MEMTABLE_SIZE=1234\nLSM_COMPRESSION=zstd\nLSM_BLOOM_FP_RATE=0.05\nLSM_TARGET_FILE_SIZE=4096\n"), 0o644))
	// godotenv sets what it loads in the process environment.
	t.Cleanup(func() {
		for _, k := range []string{"LSM_DIR", "LSM_COMPRESSION", "LSM_BLOOM_FP_RATE", "LSM_TARGET_FILE_SIZE"} {
			os.Unsetenv(k)
		}
	})
	t.Setenv("LSM_FSYNC_POLICY", "always")
	// Variables already set win over the file.
	t.Setenv("LSM_MEMTABLE_SIZE", "4321")

	opts, err := LoadOptionsFromEnv(env)
	require.NoError(t, err)
	require.Equal(t, dir, opts.Dir)
	require.Equal(t, 4321, opts.MemTableSize)
	require.Equal(t, "zstd", opts.Compression)
	require.Equal(t, "always", opts.FsyncPolicy)
	require.Equal(t, 0.05, opts.BloomFpRate)
	require.Equal(t, int64(4096), opts.TargetFileSize)

	t.Setenv("LSM_NUM_LEVELS", "seven")
	_, err = LoadOptionsFromEnv(env)
	require.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	for name, o := range map[string]Options{
		"fsync":       {FsyncPolicy: "sometimes"},
		"compression": {Compression: "lz4"},
	} {
		o.EnsureDefaults()
		require.Error(t, o.Validate(), name)
	}
	o := Options{BlockCacheSize: 4, BlockCacheShards: 16}
	o.EnsureDefaults()
	require.Equal(t, ErrKindCapacity, ErrorKindOf(o.Validate()))

	var d Options
	d.EnsureDefaults()
	require.NoError(t, d.Validate())
	require.Equal(t, defaultNumLevels, d.NumLevels)
	require.Equal(t, float64(defaultLBaseMaxBytes*defaultLevelMultiplier), d.maxBytesForLevel(2))
}
