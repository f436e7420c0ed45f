package ingest

import (
	"sync"
	"time"
)

// maxFailures is how many failing subjects a summary names.
const maxFailures = 5

// Failure names one subject that did not make it and why.
type Failure struct {
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// Snapshot is a point-in-time copy of the accountant's counters.
// BytesTransferred counts every completed transfer, whether or not the
// volume could be reduced afterwards.
type Snapshot struct {
	Total            int       `json:"total"`
	StartBytes       int64     `json:"start_bytes"`
	BytesAdded       int64     `json:"bytes_added"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Downloaded       int       `json:"downloaded"`
	Existing         int       `json:"existing"`
	Missing          int       `json:"missing"`
	Errored          int       `json:"errored"`
	Planned          int       `json:"planned"`
	Reduced          int       `json:"reduced"`
	Remaining        int64     `json:"remaining_estimate_bytes"`
	Throughput       float64   `json:"throughput_bytes_per_second"`
	Elapsed          float64   `json:"elapsed_seconds"`
	Failures         []Failure `json:"failures,omitempty"`
}

// Accountant tracks progress and estimates remaining space for one run.
// All updates go through its methods; it is safe for concurrent use.
type Accountant struct {
	total      int
	startBytes int64
	started    time.Time
	now        func() time.Time

	present      int   // subjects complete on disk
	presentBytes int64 // their combined size
	added        int64
	transferred  int64
	counts       map[Status]int
	reduced      int
	failures     []Failure
	mu           sync.Mutex
}

// NewAccountant starts accounting for total subjects with startBytes already
// on disk.
func NewAccountant(total int, startBytes int64) *Accountant {
	return &Accountant{
		total:      total,
		startBytes: startBytes,
		started:    time.Now(),
		now:        time.Now,
		counts:     make(map[Status]int),
	}
}

// Seed records a subject found complete before any transfer, so the
// estimate has a per-subject average from the start.
func (a *Accountant) Seed(size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.present++
	a.presentBytes += size
}

// Record folds in one subject's result. size is the subject's final size on
// disk (after reduction) for downloaded subjects. A failed subject whose
// transfer completed still counts its bytes and whatever stayed on disk.
func (a *Accountant) Record(r Result, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counts[r.Status]++
	if r.Reduced {
		a.reduced++
	}
	switch r.Status {
	case StatusDownloaded:
		a.present++
		a.presentBytes += size
		a.added += size
		a.transferred += r.Bytes
	case StatusExists:
		if r.Reduced {
			// Reduced on resume: counted as present now, with its new size.
			a.present++
			a.presentBytes += size
		}
	case StatusError:
		if r.Bytes > 0 {
			a.added += size
			a.transferred += r.Bytes
		}
		if len(a.failures) < maxFailures {
			reason := "unknown"
			if r.Err != nil {
				reason = r.Err.Error()
			}
			a.failures = append(a.failures, Failure{Subject: r.Subject.ID, Reason: reason})
		}
	}
}

// Estimate returns average bytes per complete subject times the number of
// subjects not yet accounted for.
func (a *Accountant) Estimate() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estimateLocked()
}

func (a *Accountant) estimateLocked() int64 {
	if a.present == 0 {
		return 0
	}
	done := a.present + a.counts[StatusMissing] + a.counts[StatusError] + a.counts[StatusPlanned]
	remaining := a.total - done
	if remaining <= 0 {
		return 0
	}
	return a.presentBytes / int64(a.present) * int64(remaining)
}

// Snapshot returns a copy of the counters.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	elapsed := a.now().Sub(a.started).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(a.transferred) / elapsed
	}
	return Snapshot{
		Total:            a.total,
		StartBytes:       a.startBytes,
		BytesAdded:       a.added,
		BytesTransferred: a.transferred,
		Downloaded:       a.counts[StatusDownloaded],
		Existing:         a.counts[StatusExists],
		Missing:          a.counts[StatusMissing],
		Errored:          a.counts[StatusError],
		Planned:          a.counts[StatusPlanned],
		Reduced:          a.reduced,
		Remaining:        a.estimateLocked(),
		Throughput:       rate,
		Elapsed:          elapsed,
		Failures:         append([]Failure(nil), a.failures...),
	}
}
