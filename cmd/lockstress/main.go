package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	godb "mit.edu/dsg/godb-pagelock"
	"mit.edu/dsg/godb-pagelock/common"
	"mit.edu/dsg/godb-pagelock/config"
	"mit.edu/dsg/godb-pagelock/transaction"
)

var (
	configPath string
	storageDir string
	threads    int
	numPages   int
	numTxns    int
	opsPerTxn  int
	writeRatio float64
	maxRetries int
)

const tableOid = common.ObjectID(1)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lockstress",
		Short: "Run concurrent read/write transactions against a GoDB instance and report lock conflicts",
		RunE:  runStress,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	rootCmd.Flags().StringVar(&storageDir, "dir", "", "storage directory, overrides the config")
	rootCmd.Flags().IntVarP(&threads, "threads", "t", 8, "concurrent transactions")
	rootCmd.Flags().IntVar(&numPages, "pages", 16, "pages in the test table")
	rootCmd.Flags().IntVar(&numTxns, "txns", 1000, "transactions per thread")
	rootCmd.Flags().IntVar(&opsPerTxn, "ops", 4, "page accesses per transaction")
	rootCmd.Flags().Float64Var(&writeRatio, "write-ratio", 0.3, "fraction of accesses that write")
	rootCmd.Flags().IntVar(&maxRetries, "retries", 3, "times a transaction is retried after a lock conflict")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if storageDir != "" {
		cfg.StorageDir = storageDir
	}
	return cfg, nil
}

type stressStats struct {
	commits  atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
	writes   atomic.Int64
}

func runStress(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	db, err := godb.NewGoDB(cfg, reg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := prepareTable(db); err != nil {
		return err
	}

	var stats stressStats
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < threads; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < numTxns; i++ {
				runWithRetry(db.TransactionManager, rng, &stats)
			}
		}(int64(w) + 1)
	}
	wg.Wait()
	elapsed := time.Since(start)

	total, err := sumCounters(db)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "finished in %s\n", elapsed)
	fmt.Fprintf(out, "committed: %d  retried: %d  gave up: %d\n",
		stats.commits.Load(), stats.retries.Load(), stats.failures.Load())
	fmt.Fprintf(out, "page counters: %d (committed writes: %d)\n", total, stats.writes.Load())
	if families, err := reg.Gather(); err == nil {
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				if c := m.GetCounter(); c != nil {
					fmt.Fprintf(out, "%s%v %.0f\n", mf.GetName(), m.GetLabel(), c.GetValue())
				}
			}
		}
	}
	return nil
}

func prepareTable(db *godb.GoDB) error {
	file, err := db.StorageManager.GetDBFile(tableOid)
	if err != nil {
		return err
	}
	have, err := file.NumPages()
	if err != nil {
		return err
	}
	if have < numPages {
		_, err = file.AllocatePage(numPages - have)
	}
	return err
}

func runWithRetry(tm *transaction.TransactionManager, rng *rand.Rand, stats *stressStats) {
	for attempt := 0; ; attempt++ {
		var writes int64
		err := tm.Run(func(txn *transaction.TransactionContext) error {
			writes = 0
			for op := 0; op < opsPerTxn; op++ {
				pid := common.PageID{Oid: tableOid, PageNum: int32(rng.Intn(numPages))}
				write := rng.Float64() < writeRatio
				perm := common.ReadOnly
				if write {
					perm = common.ReadWrite
				}
				frame, err := txn.GetPage(pid, perm)
				if err != nil {
					return err
				}
				if write {
					frame.PageLatch.Lock()
					counter := binary.LittleEndian.Uint64(frame.Bytes[:8])
					binary.LittleEndian.PutUint64(frame.Bytes[:8], counter+1)
					frame.PageLatch.Unlock()
					writes++
				}
				txn.UnpinPage(frame, write)
			}
			return nil
		})
		if err == nil {
			stats.commits.Add(1)
			stats.writes.Add(writes)
			return
		}
		if !common.IsLockTimeout(err) || attempt >= maxRetries {
			stats.failures.Add(1)
			return
		}
		stats.retries.Add(1)
	}
}

// sumCounters adds up the per-page counters in a read-only transaction.
func sumCounters(db *godb.GoDB) (uint64, error) {
	var total uint64
	err := db.TransactionManager.Run(func(txn *transaction.TransactionContext) error {
		for p := 0; p < numPages; p++ {
			frame, err := txn.GetPage(common.PageID{Oid: tableOid, PageNum: int32(p)}, common.ReadOnly)
			if err != nil {
				return err
			}
			frame.PageLatch.RLock()
			total += binary.LittleEndian.Uint64(frame.Bytes[:8])
			frame.PageLatch.RUnlock()
			txn.UnpinPage(frame, false)
		}
		return nil
	})
	return total, err
}
