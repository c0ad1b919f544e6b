package archive

import (
	"context"
	"log"
	"time"
)

// Schedule runs an archive every interval until ctx is done, keeping the
// newest keep archives. params is called on each tick so counts are current.
func Schedule(ctx context.Context, interval time.Duration, keep int, params func() Params) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			p := params()
			path, err := Create(p)
			if err != nil {
				log.Printf("archive: scheduled run failed: %v", err)
				continue
			}
			log.Printf("archive: wrote %s", path)
			removed, err := Prune(p.Dir, keep)
			if err != nil {
				log.Printf("archive: %v", err)
			}
			for _, r := range removed {
				log.Printf("archive: pruned %s", r)
			}
		}
	}()
}
