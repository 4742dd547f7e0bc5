package canparse

import (
	"fmt"
	"strings"
	"sync"

	"github.com/busmill/canlog/pkg/canspec"
)

// scheduler drives extraction and decoding over a batch of lines, either
// serially or across a worker pool. The line sequence is partitioned into
// contiguous chunks, one per worker; each worker fills a private ordered
// buffer against the shared read-only filtered specification, and the
// buffers are concatenated in chunk order after the join. The resulting
// store order is identical to serial execution for any worker count.
type scheduler struct {
	pattern  *LinePattern
	filtered *canspec.Filtered
	mode     ErrorMode
	workers  int
}

// chunkResult is one worker's ordered output.
type chunkResult struct {
	messages []*Message
	issues   []Issue
	err      error // first failure, strict mode only
}

func (s *scheduler) run(lines []string) ([]*Message, []Issue, error) {
	workers := s.workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(lines) {
		workers = len(lines)
	}
	if workers <= 1 {
		res := s.runChunk(lines, 0)
		return res.messages, res.issues, res.err
	}

	results := make([]chunkResult, workers)
	var wg sync.WaitGroup
	chunk := (len(lines) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > len(lines) {
			end = len(lines)
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			results[w] = s.runChunk(lines[start:end], start)
		}(w, start, end)
	}
	wg.Wait()

	var messages []*Message
	var issues []Issue
	for _, res := range results {
		// A strict failure in an earlier chunk wins; later workers were
		// allowed to finish but their output is discarded with the run.
		if res.err != nil {
			return nil, nil, res.err
		}
		messages = append(messages, res.messages...)
		issues = append(issues, res.issues...)
	}
	return messages, issues, nil
}

// runChunk processes one contiguous slice of lines. offset is the index
// of the chunk's first line within the whole batch, used for 1-based
// line numbers in issues and errors. In strict mode the chunk stops at
// its first failure.
func (s *scheduler) runChunk(lines []string, offset int) chunkResult {
	var res chunkResult
	for i, line := range lines {
		lineNo := offset + i + 1
		if strings.TrimSpace(line) == "" {
			continue
		}

		frame, err := s.pattern.Extract(line)
		if err != nil {
			if stop := s.fail(&res, lineNo, err); stop {
				return res
			}
			continue
		}

		msg, failures := decodeFrame(frame, s.filtered)
		keep := true
		for _, fail := range failures {
			if fail.Kind == IssueUnknownID {
				if stop := s.fail(&res, lineNo, fail); stop {
					return res
				}
				// Warn emits the minimal record; ignore drops the line.
				keep = s.mode == ModeWarn
				continue
			}
			// Bit-range failures degrade the field only; the message is
			// kept in every mode.
			if s.mode == ModeWarn {
				res.issues = append(res.issues, Issue{Line: lineNo, Kind: fail.Kind, Err: fail})
			}
		}
		if keep {
			res.messages = append(res.messages, msg)
		}
	}
	return res
}

// fail applies the error mode to a line-level failure and reports
// whether the chunk should stop.
func (s *scheduler) fail(res *chunkResult, lineNo int, err error) bool {
	switch s.mode {
	case ModeStrict:
		res.err = fmt.Errorf("line %d: %w", lineNo, err)
		return true
	case ModeWarn:
		res.issues = append(res.issues, Issue{Line: lineNo, Kind: failureKind(err), Err: err})
	}
	return false
}

func failureKind(err error) IssueKind {
	switch e := err.(type) {
	case *ExtractError:
		return e.Kind
	case *DecodeError:
		return e.Kind
	default:
		return IssuePattern
	}
}
