package onnxrt

import (
	"fmt"

	"nanovllm-kv/nanovllm"
)

// Paged attention input names
const (
	InputIDs           = "input_ids"
	PositionIDs        = "position_ids"
	PastLens           = "past_lens"
	SubsequenceBegins  = "subsequence_begins"
	BlockIndices       = "block_indices"
	BlockIndicesBegins = "block_indices_begins"
	MaxContextLen      = "max_context_len"
)

// pagedInputs is one batch flattened for paged attention. Sequence i owns
// tokens [SubsequenceBegins[i], SubsequenceBegins[i+1]) and blocks
// [BlockIndicesBegins[i], BlockIndicesBegins[i+1]).
type pagedInputs struct {
	InputIDs           []int64
	PositionIDs        []int64
	PastLens           []int32
	SubsequenceBegins  []int32
	BlockIndices       []int32
	BlockIndicesBegins []int32
	MaxContextLen      int32
}

// NumTokens returns the number of tokens in the batch
func (p *pagedInputs) NumTokens() int { return len(p.InputIDs) }

// LastToken returns the flat index of the last token of sequence i
func (p *pagedInputs) LastToken(i int) int { return int(p.SubsequenceBegins[i+1]) - 1 }

// buildPagedInputs flattens seqs. Prefill feeds the uncached part of each
// prompt, decode feeds the last token.
func buildPagedInputs(seqs []*nanovllm.Sequence, isPrefill bool) (*pagedInputs, error) {
	p := &pagedInputs{
		SubsequenceBegins:  []int32{0},
		BlockIndicesBegins: []int32{0},
	}

	for _, seq := range seqs {
		var past int
		var tokens []int
		if isPrefill {
			past = seq.NumCachedTokens
			tokens = seq.TokenIDs[past:]
		} else {
			past = seq.Len() - 1
			tokens = []int{seq.LastToken}
		}
		if len(tokens) == 0 {
			return nil, fmt.Errorf("sequence %d has no tokens to feed", seq.SeqID)
		}

		for j, id := range tokens {
			p.InputIDs = append(p.InputIDs, int64(id))
			p.PositionIDs = append(p.PositionIDs, int64(past+j))
		}
		p.PastLens = append(p.PastLens, int32(past))
		p.SubsequenceBegins = append(p.SubsequenceBegins, int32(len(p.InputIDs)))

		context := past + len(tokens)
		numBlocks := (context + seq.BlockSize - 1) / seq.BlockSize
		if numBlocks > len(seq.BlockTable) {
			return nil, fmt.Errorf("sequence %d needs %d blocks but holds %d", seq.SeqID, numBlocks, len(seq.BlockTable))
		}
		for _, id := range seq.BlockTable[:numBlocks] {
			p.BlockIndices = append(p.BlockIndices, int32(id))
		}
		p.BlockIndicesBegins = append(p.BlockIndicesBegins, int32(len(p.BlockIndices)))

		if int32(context) > p.MaxContextLen {
			p.MaxContextLen = int32(context)
		}
	}
	return p, nil
}
