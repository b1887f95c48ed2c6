package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_PartialFailureIsolation checks that a file with G good lines
// and B bad lines, in any interleaving, yields G stored rows and B
// quarantine records.
func TestProperty_PartialFailureIsolation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("good lines are stored and bad lines quarantined independently", prop.ForAll(
		func(layout []bool) bool {
			h := newHarness(t)

			var lines []string
			good, bad := 0, 0
			for i, isGood := range layout {
				if isGood {
					good++
					lines = append(lines, line(t, event(fmt.Sprintf("evt-%d", i), "file.open")))
				} else {
					bad++
					lines = append(lines, fmt.Sprintf(`{"event_id": "evt-%d"`, i))
				}
			}
			h.writeFile(t, "mixed.jsonl", lines...)

			summary, err := h.loader.Run(context.Background(), RunOptions{})
			if err != nil {
				return false
			}
			n, err := h.store.CountEvents(context.Background())
			if err != nil {
				return false
			}
			q, err := h.sink.Count()
			if err != nil {
				return false
			}
			return summary.Accepted == good &&
				summary.Quarantined == bad &&
				n == int64(good) &&
				q == bad
		},
		gen.SliceOfN(30, gen.Bool()),
	))

	properties.TestingRun(t)
}

// TestProperty_DeduplicationByEventID checks that however event ids repeat
// across two files, the store holds each distinct id once and every valid
// line is counted as either accepted or duplicate.
func TestProperty_DeduplicationByEventID(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("store holds each distinct event id once", prop.ForAll(
		func(first, second []int) bool {
			h := newHarness(t)

			distinct := map[int]bool{}
			toLines := func(ids []int) []string {
				out := make([]string, 0, len(ids))
				for _, id := range ids {
					distinct[id] = true
					out = append(out, line(t, event(fmt.Sprintf("evt-%d", id), "file.open")))
				}
				return out
			}
			h.writeFile(t, "a.jsonl", toLines(first)...)
			h.writeFile(t, "b.jsonl", toLines(second)...)

			summary, err := h.loader.Run(context.Background(), RunOptions{})
			if err != nil {
				return false
			}
			n, err := h.store.CountEvents(context.Background())
			if err != nil {
				return false
			}
			return n == int64(len(distinct)) &&
				summary.Accepted == len(distinct) &&
				summary.Accepted+summary.Duplicate == len(first)+len(second)
		},
		gen.SliceOfN(15, gen.IntRange(0, 10)),
		gen.SliceOfN(15, gen.IntRange(0, 10)),
	))

	properties.TestingRun(t)
}
