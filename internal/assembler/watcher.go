package assembler

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PartitionWatcher watches a session's inline files and resets the session
// when one is removed or renamed. Deleting or moving a partition member is
// the refactor signal: the frozen partition no longer matches the tree, and
// recomputing from scratch beats serving a partition full of holes.
//
// Content edits are deliberately ignored; the sent-file markers already
// handle those by resending the changed file.
type PartitionWatcher struct {
	assembler *Assembler
	sessionID string
	watcher   *fsnotify.Watcher
	log       *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// WatchPartition starts watching the given absolute paths for sessionID.
// Callers pass the AbsPath of each inline partition member after an assembly.
func (a *Assembler) WatchPartition(sessionID string, absPaths []string) (*PartitionWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range absPaths {
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, err
		}
	}

	pw := &PartitionWatcher{
		assembler: a,
		sessionID: sessionID,
		watcher:   w,
		log:       a.log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go pw.run()
	return pw, nil
}

func (pw *PartitionWatcher) run() {
	defer close(pw.doneCh)
	for {
		select {
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pw.log.Info("inline file disappeared, resetting session",
				zap.String("session", pw.sessionID),
				zap.String("path", event.Name))
			if err := pw.assembler.Reset(context.Background(), pw.sessionID); err != nil {
				pw.log.Error("session reset failed",
					zap.String("session", pw.sessionID), zap.Error(err))
			}
			// One reset is enough; the next assembly rebuilds the
			// partition and a new watcher can be started for it.
			return
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warn("partition watch error",
				zap.String("session", pw.sessionID), zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (pw *PartitionWatcher) Close() error {
	pw.stopOnce.Do(func() { close(pw.stopCh) })
	err := pw.watcher.Close()
	<-pw.doneCh
	return err
}
