package redis

import "fmt"

// All keys for one logical queue share the queue name as a suffix so
// multiple queues can coexist on one redis instance.

func queuedKey(prefix, queue string) string {
	return fmt.Sprintf("%vqueued:%v", prefix, queue)
}

func delayedKey(prefix, queue string) string {
	return fmt.Sprintf("%vdelayed:%v", prefix, queue)
}

func processingKey(prefix, queue string) string {
	return fmt.Sprintf("%vprocessing:%v", prefix, queue)
}

func leaseKey(prefix, queue string) string {
	return fmt.Sprintf("%vlease:%v", prefix, queue)
}
