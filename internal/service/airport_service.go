// Package service provides the business logic layer for looking up airports
// and keeping their channel status current.
package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebovdev/liveatc-cli/internal/airport"
	"github.com/glebovdev/liveatc-cli/internal/api"
	"github.com/glebovdev/liveatc-cli/internal/cache"
	"github.com/rs/zerolog/log"
)

// ErrInvalidICAO is returned for codes that cannot be airport identifiers.
var ErrInvalidICAO = errors.New("invalid ICAO code")

// Directory is the subset of the directory API the service needs.
type Directory interface {
	GetAirport(icao string) (*airport.Airport, error)
	RefreshAirport(icao string) (*airport.Airport, error)
	Search(query string) (*airport.SearchResult, error)
}

// AirportService resolves airports through the disk cache and the directory,
// and tracks the airport the user is listening to.
type AirportService struct {
	dir           Directory
	cache         *cache.Cache
	mu            sync.RWMutex
	current       *airport.Airport
	refreshTicker *time.Ticker
	stopRefresh   chan struct{}
	onRefresh     func(*airport.Airport)
}

// NewAirportService creates a service backed by the user cache directory.
func NewAirportService(dir Directory) *AirportService {
	docCache, err := cache.NewCache()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize airport cache, lookups will not be cached")
	}

	if docCache != nil {
		go func() {
			if err := docCache.CleanExpired(); err != nil {
				log.Debug().Err(err).Msg("Failed to clean expired cache")
			}
		}()
	}

	return NewAirportServiceWithCache(dir, docCache)
}

// NewAirportServiceWithCache uses docCache, which may be nil.
func NewAirportServiceWithCache(dir Directory, docCache *cache.Cache) *AirportService {
	return &AirportService{
		dir:   dir,
		cache: docCache,
	}
}

func cacheKey(icao string) string {
	return "airport:" + icao
}

// Lookup returns the airport for icao. A cached record is used when fresh;
// otherwise the directory is asked, and an airport it does not know yet is
// crawled from LiveATC with a refresh.
func (s *AirportService) Lookup(icao string) (*airport.Airport, error) {
	code := airport.NormalizeICAO(icao)
	if !airport.ValidICAO(code) {
		return nil, fmt.Errorf("%q: %w", icao, ErrInvalidICAO)
	}

	if s.cache != nil {
		var cached airport.Airport
		if s.cache.Get(cacheKey(code), &cached) {
			log.Debug().Str("icao", code).Msg("Airport loaded from cache")
			s.setCurrent(&cached)
			return cloneAirport(&cached), nil
		}
	}

	a, err := s.dir.GetAirport(code)
	if errors.Is(err, api.ErrAirportNotFound) {
		log.Debug().Str("icao", code).Msg("Airport not in directory, requesting refresh")
		a, err = s.dir.RefreshAirport(code)
	}
	if err != nil {
		return nil, err
	}

	s.store(code, a)
	s.setCurrent(a)
	return cloneAirport(a), nil
}

// Refresh re-crawls the airport and replaces the cached record.
func (s *AirportService) Refresh(icao string) (*airport.Airport, error) {
	code := airport.NormalizeICAO(icao)
	if !airport.ValidICAO(code) {
		return nil, fmt.Errorf("%q: %w", icao, ErrInvalidICAO)
	}

	a, err := s.dir.RefreshAirport(code)
	if err != nil {
		return nil, err
	}

	s.store(code, a)
	s.mu.Lock()
	if s.current != nil && s.current.ICAO == a.ICAO {
		s.current = cloneAirport(a)
	}
	s.mu.Unlock()
	return cloneAirport(a), nil
}

func (s *AirportService) Search(query string) ([]airport.Airport, error) {
	result, err := s.dir.Search(query)
	if err != nil {
		return nil, err
	}
	return result.Results, nil
}

// Current returns a copy of the airport last returned by Lookup, or nil.
func (s *AirportService) Current() *airport.Airport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return cloneAirport(s.current)
}

// ValidICAOs reports which of codes are well-formed airport identifiers.
func (s *AirportService) ValidICAOs(codes []string) map[string]bool {
	valid := make(map[string]bool, len(codes))
	for _, c := range codes {
		if airport.ValidICAO(c) {
			valid[c] = true
		}
	}
	return valid
}

func (s *AirportService) setCurrent(a *airport.Airport) {
	s.mu.Lock()
	s.current = cloneAirport(a)
	s.mu.Unlock()
}

func (s *AirportService) store(code string, a *airport.Airport) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(cacheKey(code), a); err != nil {
		log.Debug().Err(err).Str("icao", code).Msg("Failed to cache airport")
	}
}

func cloneAirport(a *airport.Airport) *airport.Airport {
	c := *a
	c.AudioChannels = make([]airport.AudioChannel, len(a.AudioChannels))
	for i, ch := range a.AudioChannels {
		ch.Frequencies = append([]airport.Frequency(nil), ch.Frequencies...)
		c.AudioChannels[i] = ch
	}
	return &c
}

// StartPeriodicRefresh re-crawls the current airport every interval so
// channel feed status stays fresh. callback receives the updated airport.
func (s *AirportService) StartPeriodicRefresh(interval time.Duration, callback func(*airport.Airport)) {
	s.StopPeriodicRefresh()

	s.mu.Lock()
	s.onRefresh = callback
	s.stopRefresh = make(chan struct{})
	s.refreshTicker = time.NewTicker(interval)
	ticker := s.refreshTicker
	stopCh := s.stopRefresh
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				s.refreshInBackground()
			case <-stopCh:
				ticker.Stop()
				return
			}
		}
	}()

	log.Debug().Dur("interval", interval).Msg("Started periodic airport refresh")
}

func (s *AirportService) StopPeriodicRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopRefresh != nil {
		close(s.stopRefresh)
		s.stopRefresh = nil
		log.Debug().Msg("Stopped periodic airport refresh")
	}
}

func (s *AirportService) refreshInBackground() {
	current := s.Current()
	if current == nil {
		return
	}

	updated, err := s.Refresh(current.ICAO)
	if err != nil {
		log.Warn().Err(err).Str("icao", current.ICAO).Msg("Background refresh failed, keeping cached data")
		return
	}

	s.mu.RLock()
	callback := s.onRefresh
	s.mu.RUnlock()

	if callback != nil {
		callback(updated)
	}

	log.Debug().Str("icao", updated.ICAO).Int("channels", len(updated.AudioChannels)).Msg("Airport refreshed in background")
}
