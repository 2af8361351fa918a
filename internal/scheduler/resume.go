package scheduler

import (
	"math"
)

// DefaultResumeVerifyFraction and MinResumeVerifySample implement the
// sample-verification resume design from SPEC_FULL.md §2: a fraction of
// the provisional (non-zero, possibly-already-correct) blocks are
// re-fetched and compared byte-for-byte before the rest are trusted.
const (
	DefaultResumeVerifyFraction = 0.10
	MinResumeVerifySample       = 1
)

// PlanResumeSample deterministically selects which of the provisional
// block sequences to re-verify. It takes every Nth block (N = 1/fraction)
// rather than a random subset, so the outcome is reproducible across
// identical resume attempts and easy to reason about in tests; spec.md
// never requires verification sampling to be unpredictable, only
// representative.
func PlanResumeSample(provisional []uint32, fraction float64) []uint32 {
	if len(provisional) == 0 {
		return nil
	}
	if fraction <= 0 {
		fraction = DefaultResumeVerifyFraction
	}
	want := int(math.Ceil(float64(len(provisional)) * fraction))
	if want < MinResumeVerifySample {
		want = MinResumeVerifySample
	}
	if want >= len(provisional) {
		out := make([]uint32, len(provisional))
		copy(out, provisional)
		return out
	}
	stride := len(provisional) / want
	if stride < 1 {
		stride = 1
	}
	sample := make([]uint32, 0, want)
	for i := 0; i < len(provisional) && len(sample) < want; i += stride {
		sample = append(sample, provisional[i])
	}
	return sample
}

// ResumePlan is the outcome of classifying an existing .partial Sink File
// against the Received-Block Bitmap before a transfer begins (§4.2, §9).
type ResumePlan struct {
	// Confirmed blocks are trusted without being re-fetched: Provisional
	// blocks promoted by ApplySampleResult once resume sampling found no
	// corruption. All-zero blocks are in neither list; they still need
	// fetching.
	Confirmed []uint32
	// Provisional blocks read back as non-zero and must be sample-verified
	// before being trusted.
	Provisional []uint32
	// Sample is the subset of Provisional chosen for verification.
	Sample []uint32
}

// ClassifyResume partitions block sequences 0..count-1 by whether their
// on-disk region in the Sink File reads back as all-zero. fraction controls
// the size of the verification sample over Provisional blocks (<=0 falls
// back to DefaultResumeVerifyFraction).
func ClassifyResume(count uint32, fraction float64, regionIsZero func(seq uint32) (bool, error)) (ResumePlan, error) {
	var plan ResumePlan
	for seq := uint32(0); seq < count; seq++ {
		zero, err := regionIsZero(seq)
		if err != nil {
			return ResumePlan{}, err
		}
		if zero {
			continue
		}
		plan.Provisional = append(plan.Provisional, seq)
	}
	plan.Sample = PlanResumeSample(plan.Provisional, fraction)
	return plan, nil
}

// ApplySampleResult folds the outcome of verifying the sample back into a
// ResumePlan. If every sampled block matched, every Provisional block is
// promoted to Confirmed. If any sampled block disagreed, the entire
// Provisional set is discarded — SPEC_FULL.md §2 requires restarting from
// zero rather than trusting a possibly-corrupt partial file.
func (p *ResumePlan) ApplySampleResult(sampleAllMatched bool) {
	if sampleAllMatched {
		p.Confirmed = append(p.Confirmed, p.Provisional...)
		p.Provisional = nil
	} else {
		p.Provisional = nil
	}
	p.Sample = nil
}
