package scheduler

import "fmt"

// Priority orders pending requests; higher values dispatch first.
type Priority int

const (
	Low Priority = iota
	Medium
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// UserInitiated reports whether p marks work a user is waiting on.
func (p Priority) UserInitiated() bool {
	return p >= High
}

// LinkQuality is the observed network condition used to size concurrency.
type LinkQuality int

const (
	QualityOffline LinkQuality = iota
	QualityPoor
	QualityFair
	QualityGood
)

func (q LinkQuality) String() string {
	switch q {
	case QualityOffline:
		return "offline"
	case QualityPoor:
		return "poor"
	case QualityFair:
		return "fair"
	case QualityGood:
		return "good"
	default:
		return fmt.Sprintf("quality(%d)", int(q))
	}
}

// pendingHeap is a stable priority queue: priority first, then submission order.
type pendingHeap []*request

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	req := x.(*request)
	req.index = len(*h)
	*h = append(*h, req)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*h = old[:n-1]
	return req
}
