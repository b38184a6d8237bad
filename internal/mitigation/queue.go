package mitigation

import "time"

// expiry is a scheduled unblock for one block ID
type expiry struct {
	ip      string
	blockID string
	at      time.Time
}

// expiryQueue is a container/heap min-heap ordered by expiry time
type expiryQueue []expiry

func (q expiryQueue) Len() int           { return len(q) }
func (q expiryQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q expiryQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *expiryQueue) Push(x any) { *q = append(*q, x.(expiry)) }

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = expiry{}
	*q = old[:n-1]
	return item
}
