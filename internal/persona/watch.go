package persona

import (
	"github.com/thebtf/coachnote/internal/watcher"
)

// Watch reloads the source whenever its file changes. The caller stops the
// returned watcher.
func (s *Source) Watch() (*watcher.Watcher, error) {
	w, err := watcher.New(s.path, func() { _ = s.Reload() })
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	return w, nil
}
