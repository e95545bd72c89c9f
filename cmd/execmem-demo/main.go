// Command execmem-demo provisions an Allocator with one default region,
// optionally watches a directory for hot-provisioned memconfig documents,
// logs the free byte count once ready, and reports allocator stats on
// SIGINT/SIGTERM shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/execmem/execmem/internal/memconfig"
	"github.com/execmem/execmem/internal/memflags"
	"github.com/execmem/execmem/internal/memsys"
	"github.com/execmem/execmem/internal/memwatch"
	"github.com/execmem/execmem/internal/platform"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "execmem-demo:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		watchDir  = flag.String("watch", "", "directory to watch for hot-provisioned memconfig documents")
		initBytes = flag.Int("bytes", 1<<20, "size of the default region provisioned at startup")
	)
	flag.Parse()

	alloc := memsys.New()
	registry := memconfig.NewRegistry()
	registry.Register("noop", func(name string, priority int32) memsys.Handler {
		return noopHandler{name: name, priority: priority}
	})

	mem, err := platform.Acquire(*initBytes)
	if err != nil {
		return fmt.Errorf("acquire default region: %w", err)
	}

	if _, err := alloc.AddRegion(mem.Bytes, memflags.Public|memflags.Fast, 0, "default"); err != nil {
		return fmt.Errorf("provision default region: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watchDir != "" {
		w, err := memwatch.New(*watchDir, alloc, registry)
		if err != nil {
			return fmt.Errorf("watch %s: %w", *watchDir, err)
		}
		defer w.Close()

		go func() {
			for res := range w.Results() {
				if res.Err != nil {
					log.Printf("provisioning %s failed: %v", res.Path, res.Err)
					continue
				}

				log.Printf("provisioned %s", res.Path)
			}
		}()
	}

	log.Printf("execmem-demo ready: %d bytes free across all regions", alloc.AvailMem(memflags.Any))

	<-ctx.Done()

	log.Printf("shutting down: %d bytes free, %d bytes total", alloc.AvailMem(memflags.Any), alloc.AvailMem(memflags.TotalMem))

	return nil
}

type noopHandler struct {
	name     string
	priority int32
}

func (h noopHandler) Name() string    { return h.name }
func (h noopHandler) Priority() int32 { return h.priority }
func (h noopHandler) Handle(memsys.HandlerRequest) memsys.HandlerResult {
	return memsys.HandlerDidNothing
}
