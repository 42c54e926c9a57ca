package model

// BlockHeader is the subset of a block header the pipeline consumes.
type BlockHeader struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
	Timestamp  uint64 `json:"timestamp"`
}

// Ref returns the number/hash pair of the header.
func (h BlockHeader) Ref() BlockRef {
	return BlockRef{Number: h.Number, Hash: h.Hash}
}

// BlockRef identifies a block by number and hash.
type BlockRef struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// Checkpoint is the durable progress of one logical source.
type Checkpoint struct {
	LastFetched   *BlockRef `json:"last_fetched,omitempty"`
	LastProcessed *BlockRef `json:"last_processed,omitempty"`
}
