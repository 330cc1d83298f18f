package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/dig"

	"example.com/lsmkv/pkg/kv"
	"example.com/lsmkv/pkg/lsm"
)

var (
	dataDir     string
	envFile     string
	fsyncPolicy string
	numKeys     int
)

var rootCmd = &cobra.Command{
	Use:   "example [command] (flags)",
	Short: "walk through the lsm engine",
}

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "watch the every_sec fsync policy move buffered writes to the WAL",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(runWAL)
	},
}

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "write keys through the kv.Store contract, flush, compact and print metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(runLoad)
	},
}

func main() {
	log.SetFlags(0)

	rootCmd.AddCommand(walCmd, loadCmd)
	rootCmd.PersistentFlags().StringVarP(&dataDir, "dir", "d", "", "database directory (overrides LSM_DIR)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with LSM_* settings")
	rootCmd.PersistentFlags().StringVar(&fsyncPolicy, "fsync", "", "always, every_sec or none")
	loadCmd.Flags().IntVarP(&numKeys, "keys", "n", 10000, "number of keys to write")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// run wires options, DB and store, then invokes fn with them.
func run(fn interface{}) error {
	c := dig.New()
	for _, ctor := range []interface{}{
		options,
		openDB,
		lsm.NewStore,
	} {
		if err := c.Provide(ctor); err != nil {
			return err
		}
	}
	return c.Invoke(fn)
}

func options() (lsm.Options, error) {
	opts, err := lsm.LoadOptionsFromEnv(envFile)
	if err != nil {
		return opts, err
	}
	if dataDir != "" {
		opts.Dir = dataDir
	}
	if fsyncPolicy != "" {
		opts.FsyncPolicy = fsyncPolicy
	}
	return opts, nil
}

func openDB(opts lsm.Options) (lsm.DB, error) {
	return lsm.Open(opts)
}

func runWAL(db lsm.DB, opts lsm.Options) (err error) {
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()
	ctx := context.Background()

	statSize := func() int64 {
		// The live segment has the highest number.
		paths, _ := filepath.Glob(filepath.Join(opts.Dir, "WAL-*.log"))
		if len(paths) == 0 {
			return -1
		}
		fi, err := os.Stat(paths[len(paths)-1])
		if err != nil {
			return -1
		}
		return fi.Size()
	}

	// Without Sync the record stays buffered until the background sync.
	if err := db.Put(ctx, []byte("e1"), []byte("value-1"), &lsm.WriteOptions{}); err != nil {
		return err
	}
	fmt.Printf("%s: size before sleep = %d bytes\n", opts.FsyncPolicy, statSize())
	time.Sleep(1500 * time.Millisecond)
	fmt.Printf("%s: size after 1.5s  = %d bytes\n", opts.FsyncPolicy, statSize())

	for i := 0; i < 3; i++ {
		k := fmt.Sprintf("e1k%d", i)
		v := fmt.Sprintf("val-%d", i)
		if err := db.Put(ctx, []byte(k), []byte(v), &lsm.WriteOptions{}); err != nil {
			return err
		}
	}
	fmt.Printf("%s: size immediate  = %d bytes\n", opts.FsyncPolicy, statSize())
	time.Sleep(1100 * time.Millisecond)
	fmt.Printf("%s: size +1.1s      = %d bytes\n", opts.FsyncPolicy, statSize())

	if err := db.Put(ctx, []byte("e1sync"), []byte("force"), &lsm.WriteOptions{Sync: true}); err != nil {
		return err
	}
	fmt.Printf("%s: size after Sync  = %d bytes\n", opts.FsyncPolicy, statSize())

	val, ok, err := db.Get(ctx, []byte("e1"), nil)
	if err != nil {
		return err
	}
	fmt.Printf("Get(e1) => ok=%v, val=%s\n", ok, val)
	return nil
}

func runLoad(s kv.Store, db lsm.DB) (err error) {
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	ctx := context.Background()
	start := time.Now()

	const batchSize = 100
	for i := 0; i < numKeys; i += batchSize {
		ops := make([]kv.Op, 0, batchSize)
		for j := i; j < i+batchSize && j < numKeys; j++ {
			ops = append(ops, kv.Set([]byte(fmt.Sprintf("key-%08d", j)), []byte(fmt.Sprintf("value-%d", j))))
		}
		for _, r := range s.Batch(ctx, ops, true) {
			if r.Err != nil {
				return r.Err
			}
		}
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if err := db.Compact(ctx); err != nil {
		return err
	}

	n, err := s.Len(ctx)
	if err != nil {
		return err
	}
	size, err := s.SizeOfDisk()
	if err != nil {
		return err
	}
	fmt.Printf("wrote %d keys in %s: len=%d size_of_disk=%d\n", numKeys, time.Since(start).Round(time.Millisecond), n, size)

	m := db.Metrics()
	fmt.Printf("flushes=%d compactions=%d cache hits=%d misses=%d bloom negatives=%d\n",
		m.Flushes, m.Compactions, m.BlockCache.Hits, m.BlockCache.Misses, m.BloomNegatives)
	for level, l := range m.Levels {
		if l.NumFiles > 0 {
			fmt.Printf("L%d: %d tables, %d bytes\n", level, l.NumFiles, l.Size)
		}
	}
	return nil
}
