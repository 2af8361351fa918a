// Package scheduler implements the Block Scheduler (§4.3): the Receiver's
// pending-block queue, work-stealing lease assignment, retry/backoff, and
// completion tracking against the Received-Block Bitmap.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/bitmap"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/txerr"
)

const (
	// MaxAttempts is the retry budget per block before BlockExhausted (§4.3).
	MaxAttempts = 5
	// BaseBackoff and MaxBackoff parameterize the exponential backoff
	// `min(BaseBackoff * 2^(k-1), MaxBackoff)` for attempt k (§4.3).
	BaseBackoff = 500 * time.Millisecond
	MaxBackoff  = 8 * time.Second
	// DefaultLeaseDeadline is how long a worker may hold a block with no
	// progress before it reverts to Pending (§4.3).
	DefaultLeaseDeadline = 30 * time.Second
)

// Backoff returns the retry delay for attempt k (k ≥ 1), per §4.3.
func Backoff(k int) time.Duration {
	d := BaseBackoff * time.Duration(uint64(1)<<uint(k-1))
	if d > MaxBackoff || d <= 0 {
		return MaxBackoff
	}
	return d
}

type blockState struct {
	attempts     int
	nextAttempt  time.Time
	leasedUntil  time.Time
	leased       bool
}

// Scheduler owns the pending-block queue and orchestrates retries. It does
// not know about specific worker identities (§9: cyclic ownership
// avoided) — workers interact with it only through Take/Success/Fail.
type Scheduler struct {
	mu            sync.Mutex
	bitmap        *bitmap.Bitmap
	pending       []uint32
	state         map[uint32]*blockState
	leaseDeadline time.Duration
	cancelled     bool
	cancelReason  error
}

// New creates a Scheduler for a Bitmap of C blocks, with every block
// sequence in initial queued as Pending.
func New(bm *bitmap.Bitmap, initialPending []uint32) *Scheduler {
	s := &Scheduler{
		bitmap:        bm,
		pending:       append([]uint32(nil), initialPending...),
		state:         make(map[uint32]*blockState, len(initialPending)),
		leaseDeadline: DefaultLeaseDeadline,
	}
	for _, seq := range initialPending {
		s.state[seq] = &blockState{}
	}
	return s
}

// AddPending enrolls sequence as a new Pending block after construction —
// used by the resume path once sample verification decides that the
// remaining provisional blocks must, after all, be fetched fresh.
func (s *Scheduler) AddPending(sequence uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state[sequence]; exists {
		return
	}
	s.state[sequence] = &blockState{}
	s.pending = append(s.pending, sequence)
}

// SetLeaseDeadline overrides DefaultLeaseDeadline, mainly for tests.
func (s *Scheduler) SetLeaseDeadline(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaseDeadline = d
}

// reapExpiredLeases reverts any block whose lease has passed its deadline
// back onto Pending. Called lazily from Take instead of via a background
// timer goroutine — §5 assumes no cooperative event loop, and workers
// already poll at a natural cadence (one request per round trip).
// Caller must hold s.mu.
func (s *Scheduler) reapExpiredLeases(now time.Time) {
	for seq, st := range s.state {
		if st.leased && now.After(st.leasedUntil) && !s.bitmap.Get(seq) {
			st.leased = false
			s.pending = append(s.pending, seq)
		}
	}
}

// Take returns the next pending block sequence ready for an attempt (its
// backoff deadline, if any, has passed), leasing it to the caller. ok is
// false when there is currently nothing ready to hand out (either all
// blocks are done/leased, or pending blocks are still in backoff).
func (s *Scheduler) Take() (sequence uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return 0, false
	}
	now := time.Now()
	s.reapExpiredLeases(now)

	for i, seq := range s.pending {
		st := s.state[seq]
		if now.Before(st.nextAttempt) {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		st.leased = true
		st.leasedUntil = now.Add(s.leaseDeadline)
		return seq, true
	}
	return 0, false
}

// Success marks sequence durably written and verified: the caller must
// have already performed the write, then set the bitmap bit, before
// calling Success (§5: write, then set bit). Success removes the block
// from scheduling entirely.
func (s *Scheduler) Success(sequence uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, sequence)
}

// Fail records a failed attempt at sequence. If the block still has
// attempts remaining it is rescheduled at now+Backoff(k); otherwise the
// Scheduler cancels the whole transfer with BlockExhausted (§4.3).
func (s *Scheduler) Fail(sequence uint32, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[sequence]
	if !ok {
		return nil // already succeeded concurrently; ignore a late failure
	}
	st.leased = false
	st.attempts++
	if st.attempts >= MaxAttempts {
		err := txerr.New(txerr.KindTransport, false,
			fmt.Sprintf("block %d exhausted %d attempts", sequence, st.attempts), txerr.ErrBlockExhausted)
		s.cancelLocked(err)
		return err
	}
	st.nextAttempt = time.Now().Add(Backoff(st.attempts))
	s.pending = append(s.pending, sequence)
	return nil
}

// Complete reports whether every block is done (§4.3).
func (s *Scheduler) Complete() bool {
	return s.bitmap.Complete()
}

// Cancel sets the Scheduler's cancellation flag (§5): subsequent Take
// calls return ok=false. Best-effort, always eventual.
func (s *Scheduler) Cancel(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(reason)
}

func (s *Scheduler) cancelLocked(reason error) {
	if s.cancelled {
		return
	}
	s.cancelled = true
	s.cancelReason = reason
}

// Cancelled reports whether the Scheduler has been cancelled, and why.
func (s *Scheduler) Cancelled() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled, s.cancelReason
}

// Pending returns the number of blocks still outstanding (leased or
// waiting), for progress reporting.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state)
}
