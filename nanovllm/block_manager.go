package nanovllm

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"nanovllm-kv/kvcache"
)

// Block represents a KV cache block
type Block struct {
	BlockID  int
	RefCount int
	Hash     uint64
	TokenIDs []int
}

// NewBlock creates a new block
func NewBlock(blockID int) *Block {
	return &Block{
		BlockID:  blockID,
		RefCount: 0,
		Hash:     0,
		TokenIDs: make([]int, 0),
	}
}

// Update updates the block's hash and token IDs
func (b *Block) Update(hash uint64, tokenIDs []int) {
	b.Hash = hash
	b.TokenIDs = make([]int, len(tokenIDs))
	copy(b.TokenIDs, tokenIDs)
}

// Reset resets the block for reuse
func (b *Block) Reset() {
	b.RefCount = 1
	b.Hash = 0
	b.TokenIDs = make([]int, 0)
}

// BlockManager manages KV cache blocks with prefix caching and
// copy-on-write sharing between forked sequences
type BlockManager struct {
	blockSize     int
	blocks        []*Block
	hashToBlockID map[uint64]int
	freeBlockIDs  []int
	usedBlockIDs  map[int]bool

	// watermark is one past the highest block id ever allocated
	watermark int
	// pendingCopies holds the copy-on-write copies of the current step
	pendingCopies kvcache.CopyMap
}

// NewBlockManager creates a new block manager
func NewBlockManager(numBlocks int, blockSize int) *BlockManager {
	blocks := make([]*Block, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blocks[i] = NewBlock(i)
	}

	freeBlockIDs := make([]int, numBlocks)
	for i := 0; i < numBlocks; i++ {
		freeBlockIDs[i] = i
	}

	return &BlockManager{
		blockSize:     blockSize,
		blocks:        blocks,
		hashToBlockID: make(map[uint64]int),
		freeBlockIDs:  freeBlockIDs,
		usedBlockIDs:  make(map[int]bool),
		pendingCopies: make(kvcache.CopyMap),
	}
}

// NumRequiredBlocks returns the number of physical blocks the KV cache must
// hold for every allocated block id to be addressable
func (bm *BlockManager) NumRequiredBlocks() int {
	return bm.watermark
}

// NumFreeBlocks returns the number of blocks that can still be allocated
func (bm *BlockManager) NumFreeBlocks() int {
	return len(bm.freeBlockIDs)
}

// TakeBlocksToCopy returns the copies recorded since the last call
func (bm *BlockManager) TakeBlocksToCopy() kvcache.CopyMap {
	copies := bm.pendingCopies
	bm.pendingCopies = make(kvcache.CopyMap)
	return copies
}

// nextFreeBlockID returns the lowest free block id that is not the source
// of a pending copy, so the cache grows only with peak usage
func (bm *BlockManager) nextFreeBlockID() int {
	best := -1
	for _, id := range bm.freeBlockIDs {
		if _, pending := bm.pendingCopies[id]; pending {
			continue
		}
		if best == -1 || id < best {
			best = id
		}
	}
	if best == -1 {
		panic("no free block available")
	}
	return best
}

// ComputeHash computes the hash of token IDs with an optional prefix hash
func (bm *BlockManager) ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	if prefixHash != 0 {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}

	for _, tokenID := range tokenIDs {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(tokenID))
		h.Write(buf)
	}

	return h.Sum64()
}

// allocateBlock allocates a block
func (bm *BlockManager) allocateBlock(blockID int) *Block {
	block := bm.blocks[blockID]
	if block.RefCount != 0 {
		panic("block is already allocated")
	}

	block.Reset()

	// Remove from free list
	for i, id := range bm.freeBlockIDs {
		if id == blockID {
			bm.freeBlockIDs = append(bm.freeBlockIDs[:i], bm.freeBlockIDs[i+1:]...)
			break
		}
	}

	bm.usedBlockIDs[blockID] = true
	if blockID >= bm.watermark {
		bm.watermark = blockID + 1
	}
	return block
}

// deallocateBlock deallocates a block
func (bm *BlockManager) deallocateBlock(blockID int) {
	block := bm.blocks[blockID]
	if block.RefCount != 0 {
		panic("block still has references")
	}

	delete(bm.usedBlockIDs, blockID)
	bm.freeBlockIDs = append(bm.freeBlockIDs, blockID)
}

// CanAllocate checks if there are enough free blocks for a sequence
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return bm.allocatableBlocks() >= seq.NumBlocks()
}

// Allocate allocates blocks for a sequence with prefix caching
func (bm *BlockManager) Allocate(seq *Sequence) {
	if len(seq.BlockTable) > 0 {
		panic("sequence already has blocks allocated")
	}

	var h uint64 = 0
	cacheMiss := false

	for i := 0; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.Block(i)

		// Compute hash only for full blocks
		if len(tokenIDs) == bm.blockSize {
			h = bm.ComputeHash(tokenIDs, h)
		} else {
			h = 0
		}

		blockID := -1
		if h != 0 {
			if id, ok := bm.hashToBlockID[h]; ok {
				blockID = id
			}
		}

		// Check if cached block matches
		if blockID != -1 && bm.blocks[blockID].TokenIDs != nil {
			match := true
			if len(bm.blocks[blockID].TokenIDs) != len(tokenIDs) {
				match = false
			} else {
				for j, tid := range tokenIDs {
					if bm.blocks[blockID].TokenIDs[j] != tid {
						match = false
						break
					}
				}
			}
			if !match {
				blockID = -1
			}
		} else {
			blockID = -1
		}

		if blockID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			// Allocate new block
			blockID = bm.nextFreeBlockID()
			block := bm.allocateBlock(blockID)
			_ = block
		} else {
			// Use cached block
			seq.NumCachedTokens += bm.blockSize
			if bm.usedBlockIDs[blockID] {
				// Block is already in use, increment ref count
				block := bm.blocks[blockID]
				block.RefCount++
			} else {
				// Block is free but cached, allocate it
				bm.allocateBlock(blockID)
			}
		}

		// Update block metadata
		if h != 0 {
			bm.blocks[blockID].Update(h, tokenIDs)
			bm.hashToBlockID[h] = blockID
		}

		seq.BlockTable = append(seq.BlockTable, blockID)
	}
}

// Deallocate deallocates blocks for a sequence
func (bm *BlockManager) Deallocate(seq *Sequence) {
	// Deallocate in reverse order
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		blockID := seq.BlockTable[i]
		block := bm.blocks[blockID]
		block.RefCount--
		if block.RefCount == 0 {
			bm.deallocateBlock(blockID)
		}
	}

	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// Fork makes child share every block of parent
func (bm *BlockManager) Fork(parent, child *Sequence) {
	child.BlockTable = append(child.BlockTable[:0], parent.BlockTable...)
	for _, blockID := range parent.BlockTable {
		bm.blocks[blockID].RefCount++
	}
}

// CanAppend checks if a new token can be appended to a sequence
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	needsNewBlock := seq.Len()%bm.blockSize == 1 || bm.lastBlockShared(seq)
	if needsNewBlock {
		return bm.allocatableBlocks() >= 1
	}
	return true
}

func (bm *BlockManager) allocatableBlocks() int {
	n := 0
	for _, id := range bm.freeBlockIDs {
		if _, pending := bm.pendingCopies[id]; !pending {
			n++
		}
	}
	return n
}

// lastBlockShared reports whether the next token lands in a block that
// another sequence still references
func (bm *BlockManager) lastBlockShared(seq *Sequence) bool {
	if len(seq.BlockTable) == 0 || seq.Len()%bm.blockSize == 1 {
		return false
	}
	return bm.blocks[seq.BlockTable[len(seq.BlockTable)-1]].RefCount > 1
}

// copyOnWrite gives seq a private copy of its shared last block
func (bm *BlockManager) copyOnWrite(seq *Sequence) *Block {
	lastBlockIdx := len(seq.BlockTable) - 1
	shared := bm.blocks[seq.BlockTable[lastBlockIdx]]

	blockID := bm.nextFreeBlockID()
	block := bm.allocateBlock(blockID)
	shared.RefCount--
	bm.pendingCopies.Add(shared.BlockID, blockID)
	seq.BlockTable[lastBlockIdx] = blockID
	return block
}

// MayAppend prepares for appending a token to a sequence
func (bm *BlockManager) MayAppend(seq *Sequence) {
	blockTable := seq.BlockTable
	lastBlockIdx := len(blockTable) - 1
	lastBlock := bm.blocks[blockTable[lastBlockIdx]]

	if seq.Len()%bm.blockSize != 1 && lastBlock.RefCount > 1 {
		lastBlock = bm.copyOnWrite(seq)
	}

	if seq.Len()%bm.blockSize == 1 {
		// Need to allocate a new block
		if lastBlock.Hash == 0 {
			panic("last block should have a hash")
		}
		blockID := bm.nextFreeBlockID()
		bm.allocateBlock(blockID)
		seq.BlockTable = append(seq.BlockTable, blockID)
	} else if seq.Len()%bm.blockSize == 0 {
		// Block is now full, compute hash
		if lastBlock.Hash != 0 {
			panic("last block should not have a hash")
		}
		tokenIDs := seq.Block(seq.NumBlocks() - 1)
		var prefixHash uint64 = 0
		if len(blockTable) > 1 {
			prefixHash = bm.blocks[blockTable[lastBlockIdx-1]].Hash
		}
		h := bm.ComputeHash(tokenIDs, prefixHash)
		lastBlock.Update(h, tokenIDs)
		bm.hashToBlockID[h] = lastBlock.BlockID
	} else {
		// Still filling the block
		if lastBlock.Hash != 0 {
			panic("last block should not have a hash")
		}
	}
}
