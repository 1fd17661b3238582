package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	assetsKeyPrefix   = "myAssets_"
	defaultAssetDays  = 30
	assetNewsHeadline = 5
)

var (
	errInvalidTicker  = errors.New("invalid ticker")
	errDuplicateAsset = errors.New("asset already in list")
	errCompareTooFew  = errors.New("select at least two symbols to compare")
)

func assetsKey(user string) string {
	return assetsKeyPrefix + scopeOf(user)
}

// AssetService keeps each user's "My Assets" list in the preference store.
type AssetService struct {
	store      PreferenceStore
	polygon    *PolygonClient
	insight    *InsightGenerator
	now        func() time.Time
	batchSize  int
	batchDelay time.Duration

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

func NewAssetService(store PreferenceStore, polygon *PolygonClient, insight *InsightGenerator) *AssetService {
	return &AssetService{
		store:      store,
		polygon:    polygon,
		insight:    insight,
		now:        time.Now,
		batchSize:  3,
		batchDelay: 500 * time.Millisecond,
		users:      make(map[string]*sync.Mutex),
	}
}

// userLock serializes read-modify-write of one user's stored list. It is
// never held across provider or model calls.
func (s *AssetService) userLock(user string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	scope := scopeOf(user)
	l, ok := s.users[scope]
	if !ok {
		l = &sync.Mutex{}
		s.users[scope] = l
	}
	return l
}

// List returns the stored assets. A corrupt entry is removed and treated
// as empty.
func (s *AssetService) List(ctx context.Context, user string) ([]Asset, error) {
	raw, ok, err := s.store.Get(ctx, user, assetsKey(user))
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return []Asset{}, nil
	}

	var assets []Asset
	if err := json.Unmarshal([]byte(raw), &assets); err != nil {
		log.Printf("[Assets] Dropping unreadable list for %s: %v", scopeOf(user), err)
		if err := s.store.Remove(ctx, user, assetsKey(user)); err != nil {
			return nil, err
		}
		return []Asset{}, nil
	}
	if assets == nil {
		assets = []Asset{}
	}
	return assets, nil
}

func (s *AssetService) save(ctx context.Context, user string, assets []Asset) error {
	if len(assets) == 0 {
		return s.store.Remove(ctx, user, assetsKey(user))
	}
	data, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("failed to encode assets: %w", err)
	}
	return s.store.Set(ctx, user, assetsKey(user), string(data))
}

func containsAsset(assets []Asset, symbol string) bool {
	for _, a := range assets {
		if a.Symbol == symbol {
			return true
		}
	}
	return false
}

// Add validates the symbol, builds the asset and appends it. The build runs
// unlocked; the duplicate check is repeated before saving.
func (s *AssetService) Add(ctx context.Context, user string, req AddAssetRequest) (*Asset, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, errInvalidTicker
	}

	assets, err := s.List(ctx, user)
	if err != nil {
		return nil, err
	}
	if containsAsset(assets, symbol) {
		return nil, errDuplicateAsset
	}

	name, ok := s.polygon.ValidTicker(ctx, symbol)
	if !ok {
		return nil, errInvalidTicker
	}
	if name == "" {
		name = req.Name
	}
	asset := s.build(ctx, symbol, name, req.Days)

	lock := s.userLock(user)
	lock.Lock()
	defer lock.Unlock()

	assets, err = s.List(ctx, user)
	if err != nil {
		return nil, err
	}
	if containsAsset(assets, symbol) {
		return nil, errDuplicateAsset
	}
	if err := s.save(ctx, user, append(assets, asset)); err != nil {
		return nil, err
	}
	log.Printf("[Assets] Added %s for %s", symbol, scopeOf(user))
	return &asset, nil
}

// Remove drops symbol from the list and returns what is left.
func (s *AssetService) Remove(ctx context.Context, user, symbol string) ([]Asset, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	lock := s.userLock(user)
	lock.Lock()
	defer lock.Unlock()

	assets, err := s.List(ctx, user)
	if err != nil {
		return nil, err
	}
	kept := assets[:0]
	for _, a := range assets {
		if a.Symbol != symbol {
			kept = append(kept, a)
		}
	}
	if err := s.save(ctx, user, kept); err != nil {
		return nil, err
	}
	return kept, nil
}

// Refresh rebuilds every stored asset, batchSize at a time with a pause
// between batches. An asset whose rebuild yields no chart keeps its previous
// data. The rebuilt entries are merged into whatever the list holds once the
// builds finish, so adds and removes made meanwhile survive.
func (s *AssetService) Refresh(ctx context.Context, user string, days int) ([]Asset, error) {
	assets, err := s.List(ctx, user)
	if err != nil {
		return nil, err
	}

	fresh := make(map[string]Asset, len(assets))
	for start := 0; start < len(assets); start += s.batchSize {
		end := start + s.batchSize
		if end > len(assets) {
			end = len(assets)
		}
		batch := assets[start:end]
		built := make([]Asset, len(batch))

		var wg sync.WaitGroup
		for i, a := range batch {
			wg.Add(1)
			go func(i int, a Asset) {
				defer wg.Done()
				built[i] = s.build(ctx, a.Symbol, a.Name, days)
			}(i, a)
		}
		wg.Wait()

		for _, a := range built {
			if len(a.Chart) > 0 {
				fresh[a.Symbol] = a
			}
		}

		if end < len(assets) && s.batchDelay > 0 {
			select {
			case <-ctx.Done():
				log.Printf("[Assets] Refresh stopped after %d of %d assets: %v", end, len(assets), ctx.Err())
				return nil, ctx.Err()
			case <-time.After(s.batchDelay):
			}
		}
	}

	lock := s.userLock(user)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.List(ctx, user)
	if err != nil {
		return nil, err
	}
	for i, a := range current {
		if f, ok := fresh[a.Symbol]; ok {
			current[i] = f
		}
	}
	if err := s.save(ctx, user, current); err != nil {
		return nil, err
	}
	return current, nil
}

// build gathers price, chart and the three AI texts. Each piece degrades
// independently.
func (s *AssetService) build(ctx context.Context, symbol, name string, days int) Asset {
	if days <= 0 {
		days = defaultAssetDays
	}
	if name == "" {
		name = symbol
	}
	asset := Asset{Symbol: symbol, Name: name}

	if snap, err := s.polygon.PreviousCloseSnapshot(ctx, symbol); err == nil {
		asset.Price = snap.Close
	} else {
		log.Printf("[Assets] No price for %s: %v", symbol, err)
	}

	today := s.now().In(easternTZ)
	bars, err := s.polygon.DailyBars(ctx, symbol, today.AddDate(0, 0, -days).Format("2006-01-02"), today.Format("2006-01-02"))
	if err != nil {
		log.Printf("[Assets] No chart for %s: %v", symbol, err)
	}
	for _, bar := range bars {
		asset.Chart = append(asset.Chart, ChartPoint{Date: bar.Date, Price: bar.Close})
	}
	if asset.Price == nil && len(bars) > 0 {
		asset.Price = floatPtr(bars[len(bars)-1].Close)
	}

	headlines, err := s.polygon.NewsHeadlines(ctx, symbol, assetNewsHeadline)
	if err != nil {
		log.Printf("[Assets] No news for %s: %v", symbol, err)
	}

	asset.AIInsight = s.insight.AssetSummary(ctx, symbol, name, days)
	asset.AIRating = s.insight.Rating(ctx, symbol, name, days)
	asset.AINews = s.insight.NewsSummary(ctx, symbol, headlines)
	return asset
}

func (s *AssetService) Compare(ctx context.Context, symbols []string) (string, error) {
	var cleaned []string
	seen := make(map[string]bool)
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		cleaned = append(cleaned, sym)
	}
	if len(cleaned) < 2 {
		return "", errCompareTooFew
	}
	return s.insight.Compare(ctx, cleaned), nil
}
