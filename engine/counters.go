package engine

import "fmt"

// Counters is a snapshot of Engine statistics.
type Counters struct {
	Packets         uint64 `json:"packets"`
	Bytes           uint64 `json:"bytes"`
	Marked          uint64 `json:"marked"`
	SendCompletions uint64 `json:"sendCompletions"`
	SendErrors      uint64 `json:"sendErrors"`
}

func (cnt Counters) String() string {
	return fmt.Sprintf("%dpkts %dB %dmarked, sent %dok %derr",
		cnt.Packets, cnt.Bytes, cnt.Marked, cnt.SendCompletions, cnt.SendErrors)
}

// Counters reads the statistics. It may be called from any goroutine.
func (e *Engine) Counters() (cnt Counters) {
	cnt.Packets = e.cnt.packets.Load()
	cnt.Bytes = e.cnt.bytes.Load()
	cnt.Marked = e.cnt.marked.Load()
	cnt.SendCompletions = e.cnt.sendCompletions.Load()
	cnt.SendErrors = e.cnt.sendErrs.Load()
	return cnt
}
