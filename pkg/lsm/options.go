package lsm

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultMemTableSize          = 4 << 20
	defaultMaxImmutableMemTables = 2
	defaultBlockSize             = 4 << 10
	defaultDataRestartInterval   = 16
	defaultIndexRestartInterval  = 2
	defaultBloomFpRate           = 0.01
	defaultBlockCacheSize        = 8 << 20
	defaultBlockCacheShards      = 16
	defaultL0CompactionThreshold = 4
	defaultLBaseMaxBytes         = 64 << 20
	defaultLBaseMaxFiles         = 10
	defaultLevelMultiplier       = 10
	defaultTargetFileSize        = 2 << 20
	defaultNumLevels             = 7
)

type Options struct {
	Dir string
	// MemTableSize is the approximate size at which the mutable memtable is frozen
	// and handed to the flush worker.
	MemTableSize int
	// MaxImmutableMemTables bounds frozen memtables waiting for flush; writers stall
	// once it is reached.
	MaxImmutableMemTables int
	// WALRollSize forces a memtable rotation once the active WAL segment grows past
	// it, keeping one segment per memtable generation. Zero disables the check.
	WALRollSize int
	// BlockSize is the target uncompressed size of a data block (the table's part
	// size).
	BlockSize            int
	BlockRestartInterval int
	BloomFpRate          float64
	Compression          string // "snappy"|"zstd"|"none"
	BlockCacheSize       int64
	BlockCacheShards     int
	CompactionThreads    int
	FsyncPolicy          string // "always"|"every_sec"|"none"

	L0CompactionThreshold int
	// LBaseMaxBytes and LBaseMaxFiles are the level 1 thresholds; deeper levels
	// multiply them by LevelMultiplier per level.
	LBaseMaxBytes   int64
	LBaseMaxFiles   int
	LevelMultiplier int
	TargetFileSize  int64
	NumLevels       int

	DisableAutomaticCompactions bool

	Logger Logger
	// MetricsRegisterer, when set, receives the engine's prometheus collectors.
	MetricsRegisterer prometheus.Registerer
}

// EnsureDefaults fills zero-valued fields with their defaults and returns the
// receiver.
func (o *Options) EnsureDefaults() *Options {
	if o.Dir == "" {
		o.Dir = "./data"
	}
	if o.MemTableSize <= 0 {
		o.MemTableSize = defaultMemTableSize
	}
	if o.MaxImmutableMemTables <= 0 {
		o.MaxImmutableMemTables = defaultMaxImmutableMemTables
	}
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = defaultDataRestartInterval
	}
	if o.BloomFpRate <= 0 || o.BloomFpRate >= 1 {
		o.BloomFpRate = defaultBloomFpRate
	}
	if o.Compression == "" {
		o.Compression = "snappy"
	}
	if o.BlockCacheSize <= 0 {
		o.BlockCacheSize = defaultBlockCacheSize
	}
	if o.BlockCacheShards <= 0 {
		o.BlockCacheShards = defaultBlockCacheShards
	}
	if o.CompactionThreads <= 0 {
		o.CompactionThreads = 1
	}
	if o.FsyncPolicy == "" {
		o.FsyncPolicy = "every_sec"
	}
	if o.L0CompactionThreshold <= 0 {
		o.L0CompactionThreshold = defaultL0CompactionThreshold
	}
	if o.LBaseMaxBytes <= 0 {
		o.LBaseMaxBytes = defaultLBaseMaxBytes
	}
	if o.LBaseMaxFiles <= 0 {
		o.LBaseMaxFiles = defaultLBaseMaxFiles
	}
	if o.LevelMultiplier <= 1 {
		o.LevelMultiplier = defaultLevelMultiplier
	}
	if o.TargetFileSize <= 0 {
		o.TargetFileSize = defaultTargetFileSize
	}
	if o.NumLevels < 2 || o.NumLevels > defaultNumLevels {
		o.NumLevels = defaultNumLevels
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger{}
	}
	return o
}

// Validate reports option values that cannot be defaulted.
func (o *Options) Validate() error {
	switch o.FsyncPolicy {
	case "always", "every_sec", "none":
	default:
		return errors.Newf("lsm: unknown fsync policy %q", o.FsyncPolicy)
	}
	if _, err := pickCompressor(o.Compression); err != nil {
		return err
	}
	if o.BlockCacheSize < int64(o.BlockCacheShards) {
		return errors.Mark(
			errors.Newf("lsm: block cache size %d smaller than shard count %d", o.BlockCacheSize, o.BlockCacheShards),
			ErrCapacity)
	}
	return nil
}

// maxBytesForLevel is the byte threshold for level >= 1.
func (o *Options) maxBytesForLevel(level int) float64 {
	v := float64(o.LBaseMaxBytes)
	for i := 1; i < level; i++ {
		v *= float64(o.LevelMultiplier)
	}
	return v
}

// maxFilesForLevel is the table count threshold for level >= 1.
func (o *Options) maxFilesForLevel(level int) float64 {
	v := float64(o.LBaseMaxFiles)
	for i := 1; i < level; i++ {
		v *= float64(o.LevelMultiplier)
	}
	return v
}

type ReadOptions struct {
	Snapshot *Snapshot
	Prefix   []byte // optional
}

type WriteOptions struct {
	Sync bool // override fsync policy
}

// LoadOptionsFromEnv builds Options from LSM_* environment variables after loading
// the given dotenv files (".env" when none are named). Missing files are ignored;
// variables already set in the environment win over file contents.
func LoadOptionsFromEnv(files ...string) (Options, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Options{}, errors.Wrapf(err, "lsm: loading %s", f)
		}
	}

	var opts Options
	var err error
	opts.Dir = os.Getenv("LSM_DIR")
	opts.Compression = os.Getenv("LSM_COMPRESSION")
	opts.FsyncPolicy = os.Getenv("LSM_FSYNC_POLICY")
	intVars := []struct {
		name string
		dst  *int
	}{
		{"LSM_MEMTABLE_SIZE", &opts.MemTableSize},
		{"LSM_MAX_IMMUTABLE_MEMTABLES", &opts.MaxImmutableMemTables},
		{"LSM_WAL_ROLL_SIZE", &opts.WALRollSize},
		{"LSM_BLOCK_SIZE", &opts.BlockSize},
		{"LSM_BLOCK_RESTART_INTERVAL", &opts.BlockRestartInterval},
		{"LSM_BLOCK_CACHE_SHARDS", &opts.BlockCacheShards},
		{"LSM_COMPACTION_THREADS", &opts.CompactionThreads},
		{"LSM_L0_COMPACTION_THRESHOLD", &opts.L0CompactionThreshold},
		{"LSM_LBASE_MAX_FILES", &opts.LBaseMaxFiles},
		{"LSM_LEVEL_MULTIPLIER", &opts.LevelMultiplier},
		{"LSM_NUM_LEVELS", &opts.NumLevels},
	}
	for _, v := range intVars {
		if *v.dst, err = envInt(v.name); err != nil {
			return Options{}, err
		}
	}
	int64Vars := []struct {
		name string
		dst  *int64
	}{
		{"LSM_BLOCK_CACHE_SIZE", &opts.BlockCacheSize},
		{"LSM_LBASE_MAX_BYTES", &opts.LBaseMaxBytes},
		{"LSM_TARGET_FILE_SIZE", &opts.TargetFileSize},
	}
	for _, v := range int64Vars {
		n, err := envInt(v.name)
		if err != nil {
			return Options{}, err
		}
		*v.dst = int64(n)
	}
	if s := os.Getenv("LSM_BLOOM_FP_RATE"); s != "" {
		if opts.BloomFpRate, err = strconv.ParseFloat(s, 64); err != nil {
			return Options{}, errors.Wrapf(err, "lsm: parsing LSM_BLOOM_FP_RATE")
		}
	}
	if s := os.Getenv("LSM_DISABLE_AUTO_COMPACTIONS"); s != "" {
		if opts.DisableAutomaticCompactions, err = strconv.ParseBool(s); err != nil {
			return Options{}, errors.Wrapf(err, "lsm: parsing LSM_DISABLE_AUTO_COMPACTIONS")
		}
	}
	return opts, nil
}

func envInt(name string) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "lsm: parsing %s", name)
	}
	return n, nil
}

type Snapshot struct {
	Seq uint64

	db       *dbImpl
	released bool
}
