package dataloader

import (
	"io"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/tensor"
	"github.com/medvision/kvasirnet/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Batch is one mini-batch. Images is [N, 3, H, W] in [0, 1].
type Batch struct {
	Images *tensor.Tensor
	Labels []int
	Paths  []string
	Epoch  int // zero-based epoch the batch belongs to
	Step   int // zero-based position within the epoch
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// BatchSource yields batches in order. Finite sources return io.EOF after
// the last batch.
type BatchSource interface {
	Next() (*Batch, error)
}

// DataLoader turns a Dataset into mini-batches, decoding images through a
// shared LRU cache
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	cycle     bool
	indices   []int
	position  int
	epoch     int
	step      int
	mu        sync.Mutex

	rng       *rand.Rand
	augmenter *preprocessing.Augmenter

	// Cache manager - can be shared between DataLoaders
	cacheManager *CacheManager

	imageSize  int
	numWorkers int
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Cycle        bool // restart (and reshuffle) instead of returning io.EOF
	MaxCacheSize int  // Maximum number of images to cache
	ImageSize    int
	NumWorkers   int           // Number of parallel workers for decoding
	CacheManager *CacheManager // Optional shared cache manager
	Augmenter    *preprocessing.Augmenter
	Seed         int64
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, errors.New("dataset is empty")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.ImageSize <= 0 {
		return nil, errors.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Augmenter != nil {
		if err := config.Augmenter.Validate(); err != nil {
			return nil, err
		}
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	cacheManager := config.CacheManager
	if cacheManager == nil {
		cacheManager = NewCacheManager(config.MaxCacheSize, 3*config.ImageSize*config.ImageSize)
	}

	dl := &DataLoader{
		dataset:      dataset,
		batchSize:    config.BatchSize,
		shuffle:      config.Shuffle,
		cycle:        config.Cycle,
		indices:      indices,
		rng:          rand.New(rand.NewSource(config.Seed)),
		augmenter:    config.Augmenter,
		cacheManager: cacheManager,
		imageSize:    config.ImageSize,
		numWorkers:   config.NumWorkers,
	}
	if dl.shuffle {
		dl.shuffleIndices()
	}
	return dl, nil
}

// NewTrainLoader returns an endless, reshuffling loader that augments every
// sample independently
func NewTrainLoader(dataset Dataset, config Config) (*DataLoader, error) {
	config.Shuffle = true
	config.Cycle = true
	return NewDataLoader(dataset, config)
}

// NewEvalLoader returns a finite loader in dataset order with no augmentation
func NewEvalLoader(dataset Dataset, config Config) (*DataLoader, error) {
	config.Shuffle = false
	config.Cycle = false
	config.Augmenter = nil
	return NewDataLoader(dataset, config)
}

func (dl *DataLoader) shuffleIndices() {
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset resets the data loader to the beginning of a new pass
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.rewind()
}

func (dl *DataLoader) rewind() {
	dl.position = 0
	dl.step = 0
	if dl.shuffle {
		dl.shuffleIndices()
	}
}

// StepsPerEpoch returns the number of batches in one pass, counting a final
// partial batch
func (dl *DataLoader) StepsPerEpoch() int {
	return int(math.Ceil(float64(len(dl.indices)) / float64(dl.batchSize)))
}

// Epoch returns the zero-based epoch of the next batch
func (dl *DataLoader) Epoch() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.epoch
}

// Len returns the number of samples per pass
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// Next loads the next batch. A cycling loader starts a new reshuffled epoch
// when the current one is exhausted; a finite loader returns io.EOF.
// An unreadable image fails the whole batch.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.position >= len(dl.indices) {
		if !dl.cycle {
			return nil, io.EOF
		}
		dl.epoch++
		dl.rewind()
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	n := end - dl.position

	paths := make([]string, n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		path, label, err := dl.dataset.GetItem(dl.indices[dl.position+i])
		if err != nil {
			return nil, errors.Wrap(err, "failed to read dataset item")
		}
		paths[i], labels[i] = path, label
	}

	images, err := dl.loadImages(paths)
	if err != nil {
		return nil, err
	}

	plane := 3 * dl.imageSize * dl.imageSize
	batch := tensor.Zeros(n, 3, dl.imageSize, dl.imageSize)
	for i, img := range images {
		if dl.augmenter != nil {
			img = dl.augmenter.Apply(img, dl.rng)
		}
		copy(batch.Data[i*plane:(i+1)*plane], img.Data)
	}

	b := &Batch{Images: batch, Labels: labels, Paths: paths, Epoch: dl.epoch, Step: dl.step}
	dl.position = end
	dl.step++
	klog.V(3).Infof("batch epoch=%d step=%d size=%d", b.Epoch, b.Step, n)
	return b, nil
}

// loadImages decodes paths in parallel, in order
func (dl *DataLoader) loadImages(paths []string) ([]*preprocessing.ProcessedImage, error) {
	images := make([]*preprocessing.ProcessedImage, len(paths))
	errs := make([]error, len(paths))

	workers := dl.numWorkers
	if workers > len(paths) {
		workers = len(paths)
	}
	jobs := make(chan int, len(paths))
	for i := range paths {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := preprocessing.NewImageProcessor(dl.imageSize)
			for i := range jobs {
				images[i], errs[i] = dl.cacheManager.Load(paths[i], processor)
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return images, nil
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

// GetCacheManager returns the cache manager for sharing between DataLoaders
func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
