package server

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/crystal-mush/clanwar/pkg/clanwar"
	"github.com/fsnotify/fsnotify"
)

// WatchConfig starts an fsnotify watcher on the directory holding confPath.
// When the file is written or replaced, it is reloaded and its war limits are
// pushed into the registry. Other settings take effect on restart. The
// watcher stops when ctx is done; onReload, if set, receives every
// successfully loaded config.
func WatchConfig(ctx context.Context, confPath string, wars *clanwar.Registry, onReload func(*WarConf)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	dir := filepath.Dir(confPath)
	// Watch the directory so editors that rename over the file are seen.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("config watcher: watch %s: %w", dir, err)
	}
	name := filepath.Base(confPath)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				wc, err := LoadWarConf(confPath)
				if err != nil {
					log.Printf("config: reload %s: %v (keeping previous limits)", confPath, err)
					continue
				}
				limits := wc.Limits()
				wars.SetLimits(limits)
				log.Printf("config: reloaded %s: max_war_size=%d allowed_formats=%v",
					confPath, limits.MaxSize, limits.Formats)
				if onReload != nil {
					onReload(wc)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watcher error: %v", err)
			}
		}
	}()

	log.Printf("config: watching %s for changes", confPath)
	return nil
}
