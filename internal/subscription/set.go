package subscription

import (
	"sort"

	"github.com/whitetrader/wsrelay/internal/model"
)

// Plan is the full set of upstream subscriptions an account needs.
type Plan struct {
	Markets []string // Markets for ordersExecuted_subscribe, sorted
	Assets  []string // Distinct asset legs for balanceSpot_subscribe, sorted
}

// Derive computes the subscription plan for a market set.
// Invalid symbols contribute no assets; the session never admits them,
// so this is purely defensive normalization.
func Derive(markets []string) Plan {
	assetSet := make(map[string]struct{}, len(markets)*2)
	marketSet := make(map[string]struct{}, len(markets))

	for _, symbol := range markets {
		if _, dup := marketSet[symbol]; dup {
			continue
		}
		marketSet[symbol] = struct{}{}

		m, err := model.ParseMarket(symbol)
		if err != nil {
			continue
		}
		assetSet[m.Base] = struct{}{}
		assetSet[m.Quote] = struct{}{}
	}

	return Plan{
		Markets: sortedKeys(marketSet),
		Assets:  sortedKeys(assetSet),
	}
}

// Diff computes the incremental changes needed to move from one market set
// to another. Added and removed partition the symmetric difference; markets
// present in both sets appear in neither.
func Diff(oldMarkets, newMarkets []string) (added, removed []string) {
	oldSet := toSet(oldMarkets)
	newSet := toSet(newMarkets)

	for symbol := range newSet {
		if _, ok := oldSet[symbol]; !ok {
			added = append(added, symbol)
		}
	}
	for symbol := range oldSet {
		if _, ok := newSet[symbol]; !ok {
			removed = append(removed, symbol)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// DiffAssets computes the asset-level subscribe/unsubscribe deltas implied
// by a market set change. An asset is removed only when no remaining market
// references it.
func DiffAssets(oldMarkets, newMarkets []string) (added, removed []string) {
	oldAssets := toSet(Derive(oldMarkets).Assets)
	newAssets := toSet(Derive(newMarkets).Assets)

	for asset := range newAssets {
		if _, ok := oldAssets[asset]; !ok {
			added = append(added, asset)
		}
	}
	for asset := range oldAssets {
		if _, ok := newAssets[asset]; !ok {
			removed = append(removed, asset)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
