package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config file whenever it changes on disk and calls
// onChange with the freshly validated tree. An edit that fails validation
// is reported to onErr and the previous configuration stays in effect.
// The watch lives for the rest of the process.
func Watch(path string, onChange func(*Config), onErr func(error)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	v.OnConfigChange(func(_ fsnotify.Event) {
		// Editors fire bursts of events for one save; serialize them.
		mu.Lock()
		defer mu.Unlock()
		cfg, err := unmarshal(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
