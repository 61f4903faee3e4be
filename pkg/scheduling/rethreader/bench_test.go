package rethreader

import (
	"context"
	"fmt"
	"testing"
)

// BenchmarkAdd measures the cost of queueing a task
func BenchmarkAdd(b *testing.B) {
	r, err := New(double)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := r.Add(Call(i)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDrain measures queueing and draining tasks at different caps
func BenchmarkDrain(b *testing.B) {
	for _, threads := range []int{1, 4, 16, 0} {
		b.Run(fmt.Sprintf("max_threads=%d", threads), func(b *testing.B) {
			cfg := DefaultConfig()
			cfg.Target = double
			cfg.MaxThreads = threads
			cfg.DiscardResults = true

			r, err := NewWithConfig(cfg)
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			err = r.Scope(context.Background(), func(r *Rethreader) error {
				for i := 0; i < b.N; i++ {
					if err := r.Add(Call(i)); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				b.Fatal(err)
			}
		})
	}
}

// BenchmarkTaskKey measures content key rendering used by Remove
func BenchmarkTaskKey(b *testing.B) {
	task := NewTask(echo, 1, "two", 3.0).WithKwargs(Kwargs{"a": 1, "b": "c"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = task.Key()
	}
}
