//go:build !linux

package offgate

func processRSSBytes() (rssBytes uint64, ok bool) {
	return 0, false
}
