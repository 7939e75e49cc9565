package watcher

import "sort"

// change describes the delta between two consecutive snapshots of an album.
type change struct {
	albumID       string
	albumName     string
	changeType    string
	added         []Asset  // ordered by ascending creation timestamp
	removedIDs    []string // sorted for deterministic payloads
	oldName       string
	newName       string
	nameChanged   bool
	oldShared     bool
	newShared     bool
	sharedChanged bool
}

// detectChange compares two album states. Returns nil when nothing changed.
func detectChange(old, cur *Album) *change {
	addedIDs := diffIDs(cur.AssetIDs, old.AssetIDs)
	removedIDs := diffIDs(old.AssetIDs, cur.AssetIDs)

	nameChanged := old.Name != cur.Name
	sharedChanged := old.Shared != cur.Shared

	if len(addedIDs) == 0 && len(removedIDs) == 0 && !nameChanged && !sharedChanged {
		return nil
	}

	ch := &change{
		albumID:       cur.ID,
		albumName:     cur.Name,
		changeType:    classify(len(addedIDs), len(removedIDs), nameChanged, sharedChanged),
		added:         sortedAddedAssets(cur, addedIDs),
		removedIDs:    removedIDs,
		nameChanged:   nameChanged,
		sharedChanged: sharedChanged,
	}

	if nameChanged {
		ch.oldName = old.Name
		ch.newName = cur.Name
	}
	if sharedChanged {
		ch.oldShared = old.Shared
		ch.newShared = cur.Shared
	}

	return ch
}

// detectChangeFromBaseline compares the current state against a persisted
// asset-ID set from a previous process run. Only asset-level changes can be
// detected; metadata history is not persisted.
func detectChangeFromBaseline(baseline map[string]struct{}, cur *Album) *change {
	addedIDs := diffIDs(cur.AssetIDs, baseline)
	removedIDs := diffIDs(baseline, cur.AssetIDs)

	if len(addedIDs) == 0 && len(removedIDs) == 0 {
		return nil
	}

	return &change{
		albumID:    cur.ID,
		albumName:  cur.Name,
		changeType: classify(len(addedIDs), len(removedIDs), false, false),
		added:      sortedAddedAssets(cur, addedIDs),
		removedIDs: removedIDs,
	}
}

// classify picks the single primary change classification. Pure metadata
// changes get their dedicated type; any mix of asset and metadata changes
// collapses to "changed". Deletion is classified by the caller before any of
// this runs.
func classify(added, removed int, nameChanged, sharedChanged bool) string {
	switch {
	case nameChanged && added == 0 && removed == 0 && !sharedChanged:
		return ChangeAlbumRenamed
	case sharedChanged && added == 0 && removed == 0 && !nameChanged:
		return ChangeSharingChanged
	case added > 0 && removed == 0 && !nameChanged && !sharedChanged:
		return ChangeAssetsAdded
	case removed > 0 && added == 0 && !nameChanged && !sharedChanged:
		return ChangeAssetsRemoved
	default:
		return ChangeChanged
	}
}

// diffIDs returns the IDs present in a but not in b, sorted.
func diffIDs(a, b map[string]struct{}) []string {
	var out []string
	for id := range a {
		if _, ok := b[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// sortedAddedAssets resolves added IDs to asset values ordered by ascending
// creation timestamp, giving deterministic notification order.
func sortedAddedAssets(cur *Album, addedIDs []string) []Asset {
	assets := make([]Asset, 0, len(addedIDs))
	for _, id := range addedIDs {
		if a, ok := cur.Assets[id]; ok {
			assets = append(assets, a)
		}
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
	return assets
}
