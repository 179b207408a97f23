package crawler

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	eventQueueMaxSize = 100
	errorQueueMaxSize = 10

	DefaultInterval = time.Minute
)

type blockchainCrawler struct {
	interval     time.Duration
	errChan      chan error
	eventChan    chan Event
	handlers     map[string]*walletHandler
	errorHandler func(err error)
	mutex        *sync.RWMutex
	wg           *sync.WaitGroup
	stopOnce     *sync.Once
	stopped      bool
}

// Opts defines the parameters needed for creating a crawler service with
// NewService method
type Opts struct {
	Interval     time.Duration
	ErrorHandler func(err error)
}

// NewService returns a crawler that is ready to watch wallets. Use Start
// and Stop methods to manage it.
func NewService(opts Opts) Service {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ErrorHandler == nil {
		opts.ErrorHandler = func(error) {}
	}

	return &blockchainCrawler{
		interval:     opts.Interval,
		errChan:      make(chan error, errorQueueMaxSize),
		eventChan:    make(chan Event, eventQueueMaxSize),
		handlers:     map[string]*walletHandler{},
		errorHandler: opts.ErrorHandler,
		mutex:        &sync.RWMutex{},
		wg:           &sync.WaitGroup{},
		stopOnce:     &sync.Once{},
	}
}

// Start forwards the scan errors to the error handler until Stop is
// called. It blocks, so it's meant to be run in its own goroutine.
func (bc *blockchainCrawler) Start() {
	for err := range bc.errChan {
		bc.errorHandler(err)
	}
}

// Stop stops watching all wallets and closes the service. A QuitEvent is
// the last event sent through the event channel, unless the channel is
// full. Stopping an already stopped crawler does nothing.
func (bc *blockchainCrawler) Stop() {
	bc.stopOnce.Do(func() {
		bc.mutex.Lock()
		bc.stopped = true
		handlers := bc.handlers
		bc.handlers = map[string]*walletHandler{}
		bc.mutex.Unlock()

		for _, handler := range handlers {
			handler.stop()
		}
		bc.wg.Wait()

		select {
		case bc.eventChan <- QuitEvent{}:
		default:
			log.Warn("crawler: event queue full, quit event dropped")
		}
		close(bc.errChan)
	})
}

// GetEventChannel returns Event channel which can be used to "listen" to
// wallet history changes
func (bc *blockchainCrawler) GetEventChannel() chan Event {
	return bc.eventChan
}

// AddWallet starts watching the given wallet, only if not already watched
// and the crawler is not stopped. The first scan happens right away.
func (bc *blockchainCrawler) AddWallet(id string, scanner Scanner) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	if bc.stopped {
		return
	}
	if _, ok := bc.handlers[id]; ok {
		return
	}

	handler := newWalletHandler(
		id, scanner, bc.interval, bc.eventChan, bc.errChan,
	)
	bc.handlers[id] = handler
	bc.wg.Add(1)
	go func() {
		defer bc.wg.Done()
		handler.start()
	}()
}

// RemoveWallet stops watching the given wallet, aborting any ongoing scan.
func (bc *blockchainCrawler) RemoveWallet(id string) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()

	if handler, ok := bc.handlers[id]; ok {
		handler.stop()
		delete(bc.handlers, id)
	}
}

// IsWatching returns whether the given wallet is being watched.
func (bc *blockchainCrawler) IsWatching(id string) bool {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()

	_, ok := bc.handlers[id]
	return ok
}
