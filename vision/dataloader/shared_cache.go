package dataloader

import (
	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/vision/preprocessing"
)

// CreateSharedDataLoaders creates the training and evaluation loaders over one
// shared image cache. The cache holds pre-augmentation images, so training
// samples are still augmented freshly every epoch.
func CreateSharedDataLoaders(trainDataset, evalDataset Dataset, config Config) (*DataLoader, *DataLoader, error) {
	itemSize := 3 * config.ImageSize * config.ImageSize
	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + evalDataset.Len()
	}
	sharedCache := NewCacheManager(cacheSize, itemSize)

	trainConfig := config
	trainConfig.CacheManager = sharedCache
	trainLoader, err := NewTrainLoader(trainDataset, trainConfig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create training loader")
	}

	evalConfig := config
	evalConfig.CacheManager = sharedCache
	evalLoader, err := NewEvalLoader(evalDataset, evalConfig)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create evaluation loader")
	}

	return trainLoader, evalLoader, nil
}

// CachedImageLoader decodes single images through a CacheManager, for callers
// outside the batch path such as the inference sampler
type CachedImageLoader struct {
	cache     *CacheManager
	processor *preprocessing.ImageProcessor
}

// NewCachedImageLoader returns a loader producing size x size images
func NewCachedImageLoader(cache *CacheManager, size int) *CachedImageLoader {
	return &CachedImageLoader{cache: cache, processor: preprocessing.NewImageProcessor(size)}
}

// LoadImage returns the preprocessed image at path
func (l *CachedImageLoader) LoadImage(path string) (*preprocessing.ProcessedImage, error) {
	return l.cache.Load(path, l.processor)
}
