package memorystore

import (
	"fmt"
	"strings"
)

// cacheKey derives the (entity_id, normalised_query, k, filter) key spec
// §4.2 requires the search cache to be keyed on.
func cacheKey(entityID, query string, k int, filter Filter) string {
	norm := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return fmt.Sprintf("memorystore:search:%s\x00%s\x00%d\x00%s", entityID, norm, k, filter.ExcludeConversationID)
}
