package memsys

import (
	"context"
	"math/rand"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/execmem/execmem/internal/memflags"
)

// TestConcurrentAllocFreeStress exercises the Allocator's single coarse
// mutex (spec §5) under randomized parallel alloc/free traffic: every
// worker only ever frees blocks it allocated itself, so the only property
// under test is that the mutex never lets two goroutines observe a torn
// freelist.
func TestConcurrentAllocFreeStress(t *testing.T) {
	a := newTestAllocator(t, 1<<20)

	const workers = 16

	g, _ := errgroup.WithContext(context.Background())

	for i := 0; i < workers; i++ {
		seed := int64(i)

		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))

			var held []struct{ ptr, size uintptr }

			for round := 0; round < 200; round++ {
				switch {
				case len(held) == 0 || rng.Intn(2) == 0:
					size := uintptr(16 + rng.Intn(256))

					p, ok := a.Alloc(size, memflags.Any|memflags.NoExpunge)
					if ok {
						held = append(held, struct{ ptr, size uintptr }{p, size})
					}
				default:
					idx := rng.Intn(len(held))
					a.Free(held[idx].ptr, held[idx].size)
					held[idx] = held[len(held)-1]
					held = held[:len(held)-1]
				}
			}

			for _, h := range held {
				a.Free(h.ptr, h.size)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}

	if free, total := a.AvailMem(memflags.Any), a.AvailMem(memflags.TotalMem); free != total {
		t.Fatalf("after stress, free (%d) should equal total (%d): every block was returned", free, total)
	}
}
