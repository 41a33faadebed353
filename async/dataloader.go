package async

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/vision/dataloader"
)

// ErrStopped is returned by GetBatch after Stop
var ErrStopped = errors.New("data loader has been stopped")

// result carries one batch or the error that ended the stream
type result struct {
	batch *dataloader.Batch
	err   error
}

// AsyncDataLoader materializes batches from a BatchSource in a background
// goroutine so the next batch is decoded and augmented while the caller runs
// the update step on the current one. Batches are delivered strictly in the
// order the source yields them.
type AsyncDataLoader struct {
	source        dataloader.BatchSource
	prefetchDepth int

	batchChannel chan result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	isRunning bool
	finished  bool
	mutex     sync.Mutex

	produced atomic.Int64
	consumed atomic.Int64
	waits    atomic.Int64
}

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	PrefetchDepth int // Number of batches to prefetch (default: 2)
}

// NewAsyncDataLoader creates a new asynchronous data loader
func NewAsyncDataLoader(source dataloader.BatchSource, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if source == nil {
		return nil, errors.New("batch source cannot be nil")
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncDataLoader{
		source:        source,
		prefetchDepth: config.PrefetchDepth,
		batchChannel:  make(chan result, config.PrefetchDepth),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start begins the async data loading pipeline
func (adl *AsyncDataLoader) Start() error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.isRunning {
		return errors.New("data loader is already running")
	}
	if adl.ctx.Err() != nil {
		return ErrStopped
	}

	adl.wg.Add(1)
	go adl.worker()
	adl.isRunning = true
	return nil
}

// Stop stops the pipeline and waits for the worker to exit. Batches that were
// prefetched but never consumed are dropped.
func (adl *AsyncDataLoader) Stop() error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	adl.cancel()
	if !adl.isRunning {
		return nil
	}
	adl.wg.Wait()
	adl.isRunning = false

	dropped := 0
	for range adl.batchChannel {
		dropped++
	}
	if dropped > 0 {
		klog.V(2).Infof("async loader stopped with %d prefetched batches unused", dropped)
	}
	return nil
}

// GetBatch returns the next batch, blocking until it is ready. It returns
// io.EOF once a finite source is exhausted and ErrStopped after Stop.
func (adl *AsyncDataLoader) GetBatch() (*dataloader.Batch, error) {
	if adl.ctx.Err() != nil {
		return nil, ErrStopped
	}
	adl.mutex.Lock()
	running, finished := adl.isRunning, adl.finished
	adl.mutex.Unlock()
	if finished {
		return nil, io.EOF
	}
	if !running {
		return nil, errors.New("data loader is not running")
	}

	var r result
	var ok bool
	select {
	case r, ok = <-adl.batchChannel:
	default:
		adl.waits.Inc()
		select {
		case r, ok = <-adl.batchChannel:
		case <-adl.ctx.Done():
			return nil, ErrStopped
		}
	}
	if !ok {
		if adl.ctx.Err() != nil {
			return nil, ErrStopped
		}
		adl.mutex.Lock()
		adl.finished = true
		adl.mutex.Unlock()
		return nil, io.EOF
	}
	if r.err != nil {
		if r.err == io.EOF {
			adl.mutex.Lock()
			adl.finished = true
			adl.mutex.Unlock()
			return nil, io.EOF
		}
		return nil, r.err
	}
	adl.consumed.Inc()
	return r.batch, nil
}

// Next implements dataloader.BatchSource so a prefetched stream can be used
// anywhere a plain loader is
func (adl *AsyncDataLoader) Next() (*dataloader.Batch, error) {
	return adl.GetBatch()
}

// worker pulls from the source until it ends, errors or the loader stops.
// A single producer keeps the source order intact.
func (adl *AsyncDataLoader) worker() {
	defer adl.wg.Done()
	defer close(adl.batchChannel)

	for adl.ctx.Err() == nil {
		batch, err := adl.source.Next()
		r := result{batch: batch, err: err}
		select {
		case adl.batchChannel <- r:
		case <-adl.ctx.Done():
			return
		}
		if err != nil {
			return
		}
		adl.produced.Inc()
	}
}

// Stats returns loader statistics
func (adl *AsyncDataLoader) Stats() LoaderStats {
	adl.mutex.Lock()
	running := adl.isRunning
	adl.mutex.Unlock()
	return LoaderStats{
		IsRunning:     running,
		Produced:      adl.produced.Load(),
		Consumed:      adl.consumed.Load(),
		Waits:         adl.waits.Load(),
		QueuedBatches: len(adl.batchChannel),
		PrefetchDepth: adl.prefetchDepth,
	}
}

// LoaderStats provides statistics about the data loader
type LoaderStats struct {
	IsRunning     bool
	Produced      int64 // batches taken from the source
	Consumed      int64 // batches handed to the caller
	Waits         int64 // GetBatch calls that found the queue empty
	QueuedBatches int
	PrefetchDepth int
}
