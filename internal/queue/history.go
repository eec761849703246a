package queue

import (
	"sort"

	"github.com/msageha/courier/internal/model"
)

// trimLocked keeps at most MaxSentHistory sent items, then enforces MaxItems
// by evicting the oldest non-sending items, sent ones first.
func (q *Queue) trimLocked() {
	if q.opts.MaxSentHistory > 0 {
		var sent []int
		for i, p := range q.items {
			if p.Status == model.PromptStatusSent {
				sent = append(sent, i)
			}
		}
		if over := len(sent) - q.opts.MaxSentHistory; over > 0 {
			q.evictLocked(q.oldest(sent, over))
		}
	}

	if q.opts.MaxItems <= 0 || len(q.items) <= q.opts.MaxItems {
		return
	}
	over := len(q.items) - q.opts.MaxItems
	var sent, rest []int
	for i, p := range q.items {
		switch p.Status {
		case model.PromptStatusSending:
		case model.PromptStatusSent:
			sent = append(sent, i)
		default:
			rest = append(rest, i)
		}
	}
	victims := q.oldest(sent, over)
	if len(victims) < over {
		victims = append(victims, q.oldest(rest, over-len(victims))...)
	}
	q.evictLocked(victims)
}

// oldest returns up to n of idx ordered by creation time, queue position
// breaking ties.
func (q *Queue) oldest(idx []int, n int) []int {
	sorted := append([]int(nil), idx...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return q.items[sorted[a]].CreatedAt < q.items[sorted[b]].CreatedAt
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func (q *Queue) evictLocked(idx []int) {
	if len(idx) == 0 {
		return
	}
	drop := make(map[int]bool, len(idx))
	for _, i := range idx {
		drop[i] = true
		q.logger.Debugf("evict id=%s status=%s", q.items[i].ID, q.items[i].Status)
	}
	kept := q.items[:0]
	for i, p := range q.items {
		if !drop[i] {
			kept = append(kept, p)
		}
	}
	q.items = kept
}
