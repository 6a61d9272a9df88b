// Package pipeline turns fetched pages into stored, embedded chunks. One pass
// over a page runs HEAD precheck, change detection, chunking, embedding and a
// single transaction that replaces the page's chunks.
package pipeline

import (
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/changedetect"
	"github.com/JakeFAU/recall-crawler/internal/chunker"
	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/progress"
	"github.com/JakeFAU/recall-crawler/internal/storage"
)

// DefaultWorkers bounds CrawlSites when no limit is configured.
const DefaultWorkers = 10

// ErrEmptyContent rejects blank chunk content.
var ErrEmptyContent = errors.New("content is empty")

// Config tunes a Pipeline.
type Config struct {
	ChunkMaxTokens int
	Workers        int
	// ExtractText chunks the readable text of HTML pages instead of the raw body.
	ExtractText bool
	// HeadlessAlways renders every page with the headless fetcher.
	HeadlessAlways bool
	// Topic receives page.reindexed notifications; empty disables publishing.
	Topic string
}

// Deps are the collaborators a Pipeline drives. Store, Head, Fetcher,
// Embedder, Hasher, Clock and IDs are required.
type Deps struct {
	Store     crawler.Store
	Head      crawler.HeadFetcher
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Promoter  crawler.HeadlessDetector
	Embedder  crawler.Embedder
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Archiver  *storage.Archiver
	Publisher crawler.Publisher
	Progress  progress.Emitter
	Logger    *zap.Logger
}

// Pipeline indexes pages. It is safe for concurrent use.
type Pipeline struct {
	cfg       Config
	store     crawler.Store
	head      crawler.HeadFetcher
	fetcher   crawler.Fetcher
	headless  crawler.Fetcher
	promoter  crawler.HeadlessDetector
	embedder  crawler.Embedder
	hasher    crawler.Hasher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	detector  *changedetect.Detector
	archiver  *storage.Archiver
	publisher crawler.Publisher
	progress  progress.Emitter
	locks     *urlLocks
	logger    *zap.Logger
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case deps.Head == nil:
		return nil, errors.New("pipeline: head fetcher is required")
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline: fetcher is required")
	case deps.Embedder == nil:
		return nil, errors.New("pipeline: embedder is required")
	case deps.Hasher == nil:
		return nil, errors.New("pipeline: hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("pipeline: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("pipeline: id generator is required")
	}
	if cfg.ChunkMaxTokens <= 0 {
		cfg.ChunkMaxTokens = chunker.DefaultMaxTokens
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:       cfg,
		store:     deps.Store,
		head:      deps.Head,
		fetcher:   deps.Fetcher,
		headless:  deps.Headless,
		promoter:  deps.Promoter,
		embedder:  deps.Embedder,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		detector:  changedetect.New(deps.Hasher),
		archiver:  deps.Archiver,
		publisher: deps.Publisher,
		progress:  deps.Progress,
		locks:     newURLLocks(),
		logger:    logger.Named("pipeline"),
	}, nil
}

func (p *Pipeline) emit(evt progress.Event) {
	if p.progress == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = p.clock.Now()
	}
	p.progress.Emit(evt)
}
