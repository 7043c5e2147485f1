package scheduler

import (
	"cmp"

	"github.com/JakeFAU/au-crawler/internal/crawler"
)

// priorityCmp orders requests best first. It must be called with the
// scheduler mutex held since it reads request activity.
type priorityCmp struct {
	order             string
	restartAfterCrash bool
}

func (p priorityCmp) compare(a, b *Request) int {
	if a == b {
		return 0
	}
	if a.inactive != b.inactive {
		if a.inactive {
			return 1
		}
		return -1
	}
	if a.inactive {
		return cmp.Compare(a.AUID(), b.AUID())
	}
	if c := compareTrueFirst(a.highPriority, b.highPriority); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := compareTrueFirst(a.AU.IsRegistryAU(), b.AU.IsRegistryAU()); c != 0 {
		return c
	}
	sa, sb := a.AU.State().Snapshot(), b.AU.State().Snapshot()
	if c := cmp.Compare(p.previousResultOrder(sa.LastResult), p.previousResultOrder(sb.LastResult)); c != 0 {
		return c
	}
	if p.order == OrderCreationDate {
		if c := a.AU.CreationTime().Compare(b.AU.CreationTime()); c != 0 {
			return c
		}
	} else {
		if c := sa.LastCrawlAttempt.Compare(sb.LastCrawlAttempt); c != 0 {
			return c
		}
		if c := sa.LastCrawlTime.Compare(sb.LastCrawlTime); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.AUID(), b.AUID())
}

func (p priorityCmp) less(a, b *Request) bool { return p.compare(a, b) < 0 }

// previousResultOrder puts units whose last crawl was cut short by the
// window first, and optionally those interrupted by a crash.
func (p priorityCmp) previousResultOrder(code crawler.StatusCode) int {
	const def = 2
	switch code {
	case crawler.StatusWindowClosed:
		return 0
	case crawler.StatusRunningAtCrash:
		if p.restartAfterCrash {
			return 1
		}
		return def
	default:
		return def
	}
}

func compareTrueFirst(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	default:
		return 1
	}
}
