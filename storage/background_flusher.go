package storage

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BackgroundFlusher periodically writes committed pages from the BufferPool to disk. Under no-force, commits only
// mark pages committed in the cache, so without a flusher their write-back waits for eviction or shutdown.
type BackgroundFlusher struct {
	bufferPool *BufferPool
	interval   time.Duration
	logger     logrus.FieldLogger
	shutdown   chan struct{}
	done       sync.WaitGroup
}

// NewBackgroundFlusher creates a new flusher instance.
func NewBackgroundFlusher(bp *BufferPool, interval time.Duration, logger logrus.FieldLogger) *BackgroundFlusher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BackgroundFlusher{
		bufferPool: bp,
		interval:   interval,
		logger:     logger,
		shutdown:   make(chan struct{}),
	}
}

// Start initiates background flushing.
func (bf *BackgroundFlusher) Start() {
	bf.done.Add(1)
	go bf.flushLoop()
}

// Stop signals the flusher to shut down and blocks until the final flush is complete.
func (bf *BackgroundFlusher) Stop() {
	close(bf.shutdown)
	bf.done.Wait()
}

func (bf *BackgroundFlusher) flushLoop() {
	defer bf.done.Done()
	ticker := time.NewTicker(bf.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Best effort: a failed page stays dirty and is retried on the next tick
			if err := bf.bufferPool.FlushAllPages(); err != nil {
				bf.logger.WithError(err).Warn("background flush failed")
			}
		case <-bf.shutdown:
			if err := bf.bufferPool.FlushAllPages(); err != nil {
				bf.logger.WithError(err).Warn("final background flush failed")
			}
			return
		}
	}
}
