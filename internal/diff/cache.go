package diff

// Cache holds relation-membership mappings observed within one logical
// operation, keyed by record identity hash plus a content hash of the
// record's state. Invalidation is expressed by constructing a fresh Cache,
// never by resetting a shared one; a cache must not outlive the operation
// that created it.
type Cache struct {
	members   map[cacheKey]map[string]map[int64]int64
	published map[string]bool
}

type cacheKey struct {
	recordHash  string
	contentHash string
}

// NewCache returns an empty cache scoped to one logical operation.
func NewCache() *Cache {
	return &Cache{
		members:   map[cacheKey]map[string]map[int64]int64{},
		published: map[string]bool{},
	}
}

// Members returns the cached membership of one relation, if present.
func (c *Cache) Members(recordHash, contentHash, relation string) (map[int64]int64, bool) {
	relations, ok := c.members[cacheKey{recordHash: recordHash, contentHash: contentHash}]
	if !ok {
		return nil, false
	}
	mapping, ok := relations[relation]
	return mapping, ok
}

// StoreMembers records a computed membership mapping.
func (c *Cache) StoreMembers(recordHash, contentHash, relation string, mapping map[int64]int64) {
	key := cacheKey{recordHash: recordHash, contentHash: contentHash}
	relations, ok := c.members[key]
	if !ok {
		relations = map[string]map[int64]int64{}
		c.members[key] = relations
	}
	copied := make(map[int64]int64, len(mapping))
	for id, version := range mapping {
		copied[id] = version
	}
	relations[relation] = copied
}

// MarkPublished records that a record was confirmed fully published during
// this operation, advancing the baseline for later diffs in the same scope.
func (c *Cache) MarkPublished(recordHash string) {
	c.published[recordHash] = true
}

// IsPublished reports whether the record was confirmed fully published
// within this operation.
func (c *Cache) IsPublished(recordHash string) bool {
	return c.published[recordHash]
}
