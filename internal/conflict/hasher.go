package conflict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"fitsync/pkg/types"
)

// Hash derives the stable content-based identifier for a specific
// disagreement. It is a pure function of the entity, the version pair and
// the sorted field:score pairs, with no wall clock or randomness involved,
// so repeated detection of the same conflict maps to the same record
// across process restarts.
//
// Scores are rendered with fixed precision so float formatting cannot
// destabilize the hash.
func Hash(entityID string, localVersion, remoteVersion int64, fieldConflicts []types.FieldConflict) string {
	pairs := make([]string, len(fieldConflicts))
	for i := range fieldConflicts {
		pairs[i] = fmt.Sprintf("%s:%.4f", fieldConflicts[i].FieldName, fieldConflicts[i].ConflictScore)
	}
	sort.Strings(pairs)

	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%s|%d|%d|%s", entityID, localVersion, remoteVersion, strings.Join(pairs, ","))
	return fmt.Sprintf("%016x", h.Sum64())
}
