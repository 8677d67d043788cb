package godb

import (
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"mit.edu/dsg/godb-pagelock/config"
	"mit.edu/dsg/godb-pagelock/storage"
	"mit.edu/dsg/godb-pagelock/transaction"
)

// GoDB is the top-level container for the database system.
type GoDB struct {
	Config             *config.Config
	Logger             *logrus.Logger
	StorageManager     *storage.DiskDBFileManager
	BufferPool         *storage.BufferPool
	LockManager        *transaction.LockManager
	TransactionManager *transaction.TransactionManager
	// Flusher is nil when background flushing is disabled
	Flusher *storage.BackgroundFlusher
}

// NewGoDB wires up an engine instance from cfg. Every instance owns its lock table, so independent instances never
// share lock state. Metrics are registered with reg when it is not nil.
func NewGoDB(cfg *config.Config, reg prometheus.Registerer) (*GoDB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorageDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create storage dir %s", cfg.StorageDir)
	}

	logger := config.NewLogger(cfg)
	storageManager := storage.NewDiskStorageManager(cfg.StorageDir, logger)
	lockManager := transaction.NewLockManager(transaction.LockManagerOptions{
		Timeout:           cfg.LockTimeout.Duration,
		DeadlockDetection: cfg.DeadlockDetection,
		Logger:            logger,
		Registerer:        reg,
	})
	bufferPool := storage.NewBufferPool(cfg.BufferPoolPages, storageManager, lockManager, logger)
	transactionManager := transaction.NewTransactionManager(bufferPool, lockManager, cfg.ForceOnCommit, logger)

	var flusher *storage.BackgroundFlusher
	if cfg.FlushInterval.Duration > 0 {
		flusher = storage.NewBackgroundFlusher(bufferPool, cfg.FlushInterval.Duration, logger)
		flusher.Start()
	}

	logger.WithFields(logrus.Fields{
		"storage-dir":  cfg.StorageDir,
		"frames":       cfg.BufferPoolPages,
		"lock-timeout": cfg.LockTimeout.Duration,
	}).Info("godb started")

	return &GoDB{
		Config:             cfg,
		Logger:             logger,
		StorageManager:     storageManager,
		BufferPool:         bufferPool,
		LockManager:        lockManager,
		TransactionManager: transactionManager,
		Flusher:            flusher,
	}, nil
}

// Close writes back committed pages and closes all table files. Transactions still running lose their changes.
func (db *GoDB) Close() error {
	if active := db.TransactionManager.ActiveTransactions(); len(active) != 0 {
		db.Logger.WithField("active", len(active)).Warn("closing with running transactions")
	}
	if db.Flusher != nil {
		db.Flusher.Stop()
	}
	flushErr := db.BufferPool.FlushAllPages()
	closeErr := db.StorageManager.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
