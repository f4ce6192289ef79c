// Package extraction turns raw session transcripts into learning candidates
// and stores them in the background.
//
// Extractor matches weighted patterns against transcript messages. Each
// pattern maps to a learning type, and its weight maps to a confidence:
// 0.9 and above is high, 0.7 and above medium, anything else low.
// Candidates below the configured minimum weight are dropped.
//
// Queue runs extraction jobs on a fixed worker pool. It is bounded, runs at
// most one job per session at a time and delivers exactly one JobResult per
// job:
//
//	q := extraction.NewQueue(extractor, ingestService, cfg, logger)
//	q.Start(ctx)
//	defer q.Stop()
//
//	done, err := q.Submit(extraction.Job{Session: sc, Messages: msgs})
//	if errors.Is(err, extraction.ErrQueueFull) {
//	    // back off
//	}
//	res := <-done
package extraction
