// Package bufpool recycles the scratch buffers the wire layer burns through:
// one per encoded envelope, response, or coalesced frame write.
package bufpool

import "sync"

// Bucket boundaries follow the traffic profile of the framing code. Bare
// envelopes, responses, and token chunks encode well under 2 KiB; a frame
// carrying an inline payload stays under the inline cutoff plus envelope
// overhead; 64 KiB is the largest write the frame writer coalesces. Anything
// bigger is a one-off allocation that would only pin memory if pooled.
var bucketSizes = [...]int{512, 2 << 10, 8 << 10, 64 << 10}

var buckets = initBuckets()

func initBuckets() [len(bucketSizes)]*sync.Pool {
	var bs [len(bucketSizes)]*sync.Pool
	for i, size := range bucketSizes {
		size := size
		bs[i] = &sync.Pool{New: func() any { return make([]byte, size) }}
	}
	return bs
}

// MaxPooled is the largest buffer size served from a bucket.
const MaxPooled = 64 << 10

// Get returns a zeroed slice of length n. Requests above MaxPooled are
// allocated directly and Put will drop them.
func Get(n int) []byte {
	if n <= 0 {
		return nil
	}
	for i, size := range bucketSizes {
		if n <= size {
			b := buckets[i].Get().([]byte)
			clear(b[:n])
			return b[:n]
		}
	}
	return make([]byte, n)
}

// Put recycles a buffer handed out by Get. Only slices whose capacity is
// exactly a bucket size go back; anything else, including nil, is dropped,
// so a resliced or foreign buffer can never poison a bucket.
func Put(b []byte) {
	c := cap(b)
	for i, size := range bucketSizes {
		if c == size {
			buckets[i].Put(b[:c])
			return
		}
	}
}
