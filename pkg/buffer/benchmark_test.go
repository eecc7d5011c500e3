package buffer

import (
	"fmt"
	"math/rand"
	"testing"
)

// BenchmarkBufferWrite measures Write throughput across policies and capacities.
func BenchmarkBufferWrite(b *testing.B) {
	benchmarks := []struct {
		name     string
		capacity int
		policy   OverflowPolicy
	}{
		{"Cap100_DropOldest", 100, DropOldest},
		{"Cap100_DropNewest", 100, DropNewest},
		{"Cap1000_DropOldest", 1000, DropOldest},
		{"Cap1000_DropNewest", 1000, DropNewest},
	}

	for _, bm := range benchmarks {
		b.Run(bm.name, func(b *testing.B) {
			buffer, err := NewCircularBuffer[int](bm.capacity, WithOverflowPolicy[int](bm.policy))
			if err != nil {
				b.Fatal(err)
			}
			defer buffer.Close()

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					_ = buffer.Write(i)
					i++
				}
			})
		})
	}
}

// BenchmarkBufferReadBatch measures batch draining at various batch sizes.
func BenchmarkBufferReadBatch(b *testing.B) {
	batchSizes := []int{1, 10, 100}

	for _, batchSize := range batchSizes {
		b.Run(fmt.Sprintf("BatchSize_%d", batchSize), func(b *testing.B) {
			buffer, err := NewCircularBuffer[int](1000)
			if err != nil {
				b.Fatal(err)
			}
			defer buffer.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				for j := 0; j < 1000; j++ {
					_ = buffer.Write(j)
				}
				for !buffer.IsEmpty() {
					buffer.ReadBatch(batchSize)
				}
			}
		})
	}
}

// BenchmarkBufferMixed measures interleaved Write/Read/Peek traffic.
func BenchmarkBufferMixed(b *testing.B) {
	capacities := []int{100, 1000}

	for _, capacity := range capacities {
		b.Run(fmt.Sprintf("Cap_%d", capacity), func(b *testing.B) {
			buffer, err := NewCircularBuffer[int](capacity, WithOverflowPolicy[int](DropOldest))
			if err != nil {
				b.Fatal(err)
			}
			defer buffer.Close()

			for i := 0; i < capacity/2; i++ {
				_ = buffer.Write(i)
			}

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := capacity / 2
				for pb.Next() {
					switch rand.Intn(5) {
					case 0, 1: // 40% writes
						_ = buffer.Write(i)
						i++
					case 2, 3: // 40% reads
						buffer.Read()
					case 4: // 20% peeks
						buffer.Peek()
					}
				}
			})
		})
	}
}

// BenchmarkBufferOverflow measures the eviction path under sustained overflow.
func BenchmarkBufferOverflow(b *testing.B) {
	policies := []struct {
		name   string
		policy OverflowPolicy
	}{
		{"DropOldest", DropOldest},
		{"DropNewest", DropNewest},
	}

	for _, pol := range policies {
		b.Run(pol.name, func(b *testing.B) {
			buffer, err := NewCircularBuffer[int](100, WithOverflowPolicy[int](pol.policy))
			if err != nil {
				b.Fatal(err)
			}
			defer buffer.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = buffer.Write(i)
			}
		})
	}
}

// BenchmarkBufferDropCallback compares overflow cost with and without a callback.
func BenchmarkBufferDropCallback(b *testing.B) {
	configs := []struct {
		name         string
		withCallback bool
	}{
		{"WithoutCallback", false},
		{"WithCallback", true},
	}

	for _, config := range configs {
		b.Run(config.name, func(b *testing.B) {
			opts := []Option[int]{WithOverflowPolicy[int](DropOldest)}
			if config.withCallback {
				opts = append(opts, WithDropCallback(func(item int) {
					_ = item
				}))
			}

			buffer, err := NewCircularBuffer[int](100, opts...)
			if err != nil {
				b.Fatal(err)
			}
			defer buffer.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_ = buffer.Write(i)
			}
		})
	}
}

// BenchmarkBufferNotifyDrain measures the wakeup-then-drain loop a fanout sink runs.
func BenchmarkBufferNotifyDrain(b *testing.B) {
	buffer, err := NewCircularBuffer[int](4096, WithOverflowPolicy[int](DropOldest))
	if err != nil {
		b.Fatal(err)
	}
	defer buffer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-buffer.Done():
				return
			case <-buffer.Notify():
				for len(buffer.ReadBatch(64)) > 0 {
				}
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buffer.Write(i)
	}
	b.StopTimer()

	buffer.Close()
	<-done
}

// BenchmarkBufferProducerConsumer simulates balanced producer-consumer traffic.
func BenchmarkBufferProducerConsumer(b *testing.B) {
	buffer, err := NewCircularBuffer[int](1000, WithOverflowPolicy[int](DropOldest))
	if err != nil {
		b.Fatal(err)
	}
	defer buffer.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if rand.Intn(2) == 0 {
				_ = buffer.Write(rand.Int())
			} else {
				buffer.Read()
			}
		}
	})
}
