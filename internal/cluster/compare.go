package cluster

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/entanglehq/entangle/pkg/models"
)

// Match classification thresholds over member-set Jaccard.
const (
	stableFloor  = 0.7
	driftedFloor = 0.3
)

// Compare matches the clusters of two snapshots and classifies each base
// cluster as stable, drifted or dissolved. Matching goes by raw member
// intersection size (ties to the lower cluster id); Jaccard only
// classifies the selected match. Other clusters left unmatched are
// reported as new.
func (e *Engine) Compare(baseID, otherID string) (*models.SnapshotComparison, error) {
	if _, err := e.store.GetSnapshot(baseID); err != nil {
		return nil, err
	}
	if _, err := e.store.GetSnapshot(otherID); err != nil {
		return nil, err
	}

	base, err := e.memberSets(baseID)
	if err != nil {
		return nil, err
	}
	other, err := e.memberSets(otherID)
	if err != nil {
		return nil, err
	}

	cmp := &models.SnapshotComparison{BaseSnapshot: baseID, OtherSnapshot: otherID}
	matched := make(map[int]bool)

	baseIDs := sortedKeys(base)
	for _, bc := range baseIDs {
		bset := base[bc]
		bestCluster, bestOverlap := -1, uint64(0)
		for _, oc := range sortedKeys(other) {
			if overlap := bset.AndCardinality(other[oc]); overlap > bestOverlap {
				bestCluster, bestOverlap = oc, overlap
			}
		}
		bestJaccard := 0.0
		if bestCluster >= 0 {
			bestJaccard = float64(bestOverlap) / float64(bset.OrCardinality(other[bestCluster]))
		}

		match := models.ClusterMatch{
			BaseCluster:  bc,
			OtherCluster: bestCluster,
			Overlap:      int(bestOverlap),
			Jaccard:      bestJaccard,
		}
		switch {
		case bestJaccard >= stableFloor:
			match.Class = models.ClusterStable
		case bestJaccard >= driftedFloor:
			match.Class = models.ClusterDrifted
		default:
			match.Class = models.ClusterDissolved
			match.OtherCluster = -1
		}
		if match.Class != models.ClusterDissolved {
			matched[bestCluster] = true
		}
		cmp.Matches = append(cmp.Matches, match)
	}

	for _, oc := range sortedKeys(other) {
		if !matched[oc] {
			cmp.Matches = append(cmp.Matches, models.ClusterMatch{
				BaseCluster:  -1,
				OtherCluster: oc,
				Class:        models.ClusterNew,
			})
		}
	}
	return cmp, nil
}

func (e *Engine) memberSets(snapshotID string) (map[int]*roaring.Bitmap, error) {
	members, err := e.store.SnapshotMembers(snapshotID)
	if err != nil {
		return nil, err
	}
	sets := make(map[int]*roaring.Bitmap)
	for _, m := range members {
		set := sets[m.ClusterID]
		if set == nil {
			set = roaring.New()
			sets[m.ClusterID] = set
		}
		set.Add(uint32(m.FileID))
	}
	return sets, nil
}

func sortedKeys(sets map[int]*roaring.Bitmap) []int {
	out := make([]int, 0, len(sets))
	for c := range sets {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}
