package anthropic

// CachedSystemBlocks builds system blocks for a run: the prompt and schema
// are identical for every email, so the block carries a cache breakpoint and
// only the first call of each wave pays full input price.
func CachedSystemBlocks(texts ...string) []SystemBlock {
	blocks := make([]SystemBlock, 0, len(texts))
	for _, t := range texts {
		if t == "" {
			continue
		}
		blocks = append(blocks, SystemBlock{Text: t})
	}
	if len(blocks) > 0 {
		blocks[len(blocks)-1].CacheControl = &CacheControl{TTL: "5m"}
	}
	return blocks
}
