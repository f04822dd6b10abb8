package nanovllm

import (
	"container/list"
	"fmt"

	"nanovllm-kv/kvcache"
)

// defaultNumKVCacheBlocks is the block pool size when the config leaves it unset
const defaultNumKVCacheBlocks = 1024

// ScheduleOutput is the work of one engine step
type ScheduleOutput struct {
	Seqs      []*Sequence
	IsPrefill bool
	// NumBlocks is the block capacity the KV cache must provide
	NumBlocks int
	// BlocksToCopy are the fork copies to apply before the model runs
	BlocksToCopy kvcache.CopyMap
}

// Scheduler manages sequence scheduling for prefill and decode phases
type Scheduler struct {
	maxNumSeqs          int
	maxNumBatchedTokens int
	eos                 int
	blockSize           int
	blockManager        *BlockManager
	waiting             *list.List
	running             *list.List
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	numBlocks := config.NumKVCacheBlocks
	if numBlocks == -1 {
		numBlocks = defaultNumKVCacheBlocks
	}

	return &Scheduler{
		maxNumSeqs:          config.MaxNumSeqs,
		maxNumBatchedTokens: config.MaxNumBatchedTokens,
		eos:                 config.EOS,
		blockSize:           config.KVCacheBlockSize,
		blockManager:        NewBlockManager(numBlocks, config.KVCacheBlockSize),
		waiting:             list.New(),
		running:             list.New(),
	}
}

// BlockManager returns the scheduler's block manager
func (s *Scheduler) BlockManager() *BlockManager {
	return s.blockManager
}

// IsFinished returns true if there are no more sequences to process
func (s *Scheduler) IsFinished() bool {
	return s.waiting.Len() == 0 && s.running.Len() == 0
}

// Add adds a sequence to the waiting queue
func (s *Scheduler) Add(seq *Sequence) {
	seq.BlockSize = s.blockSize
	s.waiting.PushBack(seq)
}

// Schedule schedules sequences for the next step
func (s *Scheduler) Schedule() ScheduleOutput {
	seqs, isPrefill := s.schedule()

	out := ScheduleOutput{
		Seqs:         seqs,
		IsPrefill:    isPrefill,
		NumBlocks:    s.blockManager.NumRequiredBlocks(),
		BlocksToCopy: s.blockManager.TakeBlocksToCopy(),
	}
	if err := out.BlocksToCopy.Validate(); err != nil {
		panic(fmt.Errorf("invalid fork copies: %w", err))
	}
	return out
}

func (s *Scheduler) schedule() ([]*Sequence, bool) {
	// Try prefill first
	scheduledSeqs := make([]*Sequence, 0)
	numSeqs := 0
	numBatchedTokens := 0

	for s.waiting.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.waiting.Front()
		seq := elem.Value.(*Sequence)

		if numBatchedTokens+seq.Len() > s.maxNumBatchedTokens || !s.blockManager.CanAllocate(seq) {
			break
		}

		numSeqs++
		s.blockManager.Allocate(seq)
		numBatchedTokens += seq.Len() - seq.NumCachedTokens
		seq.Status = StatusRunning

		s.waiting.Remove(elem)
		s.running.PushBack(seq)
		scheduledSeqs = append(scheduledSeqs, seq)
	}

	if len(scheduledSeqs) > 0 {
		return scheduledSeqs, true
	}

	// Decode phase
	for s.running.Len() > 0 && numSeqs < s.maxNumSeqs {
		elem := s.running.Front()
		seq := elem.Value.(*Sequence)
		s.running.Remove(elem)

		// Check if we can append
		for !s.blockManager.CanAppend(seq) {
			if s.running.Len() > 0 {
				// Preempt from the back
				lastElem := s.running.Back()
				lastSeq := lastElem.Value.(*Sequence)
				s.running.Remove(lastElem)
				s.preempt(lastSeq)
			} else {
				// Preempt current sequence
				s.preempt(seq)
				break
			}
		}

		// If not preempted, schedule it
		if seq.Status == StatusRunning {
			numSeqs++
			s.blockManager.MayAppend(seq)
			scheduledSeqs = append(scheduledSeqs, seq)
		}
	}

	if len(scheduledSeqs) == 0 {
		panic("no sequences scheduled")
	}

	// Put scheduled sequences back at the front of running queue
	for i := len(scheduledSeqs) - 1; i >= 0; i-- {
		s.running.PushFront(scheduledSeqs[i])
	}

	return scheduledSeqs, false
}

// preempt preempts a sequence
func (s *Scheduler) preempt(seq *Sequence) {
	seq.Status = StatusWaiting
	s.blockManager.Deallocate(seq)
	s.waiting.PushFront(seq)
}

// fork fans seq out into its remaining samples. The children share every
// block with seq until they write into one.
func (s *Scheduler) fork(seq *Sequence) []*Sequence {
	seq.forked = true
	children := make([]*Sequence, 0, seq.NumSamples-1)
	for i := 1; i < seq.NumSamples; i++ {
		child := seq.Fork()
		child.SampleIndex = i
		s.blockManager.Fork(seq, child)
		s.running.PushBack(child)
		children = append(children, child)
	}
	return children
}

// Postprocess processes the output tokens from model execution. It returns
// the sequences forked from parallel-sampling requests in this step.
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) []*Sequence {
	var forked []*Sequence
	for i, seq := range seqs {
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		group := []*Sequence{seq}
		if seq.NumSamples > 1 && !seq.forked {
			children := s.fork(seq)
			forked = append(forked, children...)
			group = append(group, children...)
		}

		for _, sq := range group {
			// Check if sequence is finished
			if (!sq.IgnoreEOS && tokenID == s.eos) || sq.NumCompletionTokens() == sq.MaxTokens {
				s.finish(sq)
			}
		}
	}
	return forked
}

func (s *Scheduler) finish(seq *Sequence) {
	seq.Status = StatusFinished
	s.blockManager.Deallocate(seq)
	// Remove from running list
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Sequence).SeqID == seq.SeqID {
			s.running.Remove(elem)
			break
		}
	}
}
