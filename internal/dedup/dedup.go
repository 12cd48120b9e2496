// Package dedup computes stable hashes for item deduplication.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// Hash returns a stable hex digest of the item restricted to the given
// fields. Fields are hashed sorted by name so that map iteration order never
// changes the result. With no fields configured the whole item is hashed.
func Hash(item spider.Item, fields []string) string {
	keys := make([]string, 0, len(fields))
	if len(fields) > 0 {
		keys = append(keys, fields...)
	} else {
		for k := range item {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, ok := item[k]
		if !ok {
			continue
		}
		fmt.Fprintf(h, "%s=%v;", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
