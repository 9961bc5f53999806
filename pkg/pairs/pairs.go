/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pairs tracks recently active trading pairs with a TTL cache.
package pairs

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// Pair is the cached record for one recently active trading pair.
type Pair struct {
	Key   string
	Chain string
	Dex   string
}

// Tracker is a TTL-bounded view of pairs with recent swap or price activity.
type Tracker struct {
	ttl   time.Duration
	cache *cache.Cache
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:   ttl,
		cache: cache.New(ttl, ttl/2),
	}
}

// Touch marks a pair active, resetting its TTL.
func (t *Tracker) Touch(key, chain, dex string) {
	t.cache.Set(fmt.Sprintf("%s/%s/%s", chain, dex, key), Pair{Key: key, Chain: chain, Dex: dex}, t.ttl)
}

// Count returns the number of pairs seen within the TTL window.
func (t *Tracker) Count() int {
	t.cache.DeleteExpired()
	return t.cache.ItemCount()
}

// Clear drops all tracked pairs. Used on shutdown.
func (t *Tracker) Clear() {
	t.cache.Flush()
}
