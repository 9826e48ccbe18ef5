package assembler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"packrat/internal/remote"
	"packrat/internal/store"
)

// fakeRemote is an in-memory artifact service with failure injection.
type fakeRemote struct {
	mu          sync.Mutex
	nextID      int
	files       map[string]string   // file id -> name
	collections map[string][]string // collection id -> file ids

	uploads    int
	creates    int
	associates int

	failUploads   error           // returned by every Upload when set
	missingFiles  map[string]bool // Associate on these file ids -> NotFoundError
	uploadStarted chan string     // when set, receives the name of each upload
	uploadRelease chan struct{}   // when set, uploads block until a receive
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:        make(map[string]string),
		collections:  make(map[string][]string),
		missingFiles: make(map[string]bool),
	}
}

func (f *fakeRemote) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if f.uploadStarted != nil {
		f.uploadStarted <- name
	}
	if f.uploadRelease != nil {
		<-f.uploadRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUploads != nil {
		return "", f.failUploads
	}
	f.uploads++
	f.nextID++
	id := fmt.Sprintf("file-%d", f.nextID)
	f.files[id] = name
	return id, nil
}

func (f *fakeRemote) CreateCollection(ctx context.Context, fileIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.nextID++
	id := fmt.Sprintf("col-%d", f.nextID)
	f.collections[id] = append([]string(nil), fileIDs...)
	return id, nil
}

func (f *fakeRemote) Associate(ctx context.Context, collectionID, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[collectionID]; !ok {
		return &remote.NotFoundError{Op: "Associate", ID: collectionID}
	}
	if f.missingFiles[fileID] {
		return &remote.NotFoundError{Op: "Associate", ID: fileID}
	}
	f.associates++
	f.collections[collectionID] = append(f.collections[collectionID], fileID)
	return nil
}

func (f *fakeRemote) DeleteCollection(ctx context.Context, collectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, collectionID)
	return nil
}

func (f *fakeRemote) DeleteFile(ctx context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, fileID)
	return nil
}

func (f *fakeRemote) counts() (uploads, creates, associates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads, f.creates, f.associates
}

func (f *fakeRemote) collectionFiles(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.collections[id]...)
}

// testEnv bundles a store, fake remote, assembler, and a scratch directory.
type testEnv struct {
	t      *testing.T
	dir    string
	store  *store.Store
	remote *fakeRemote
	asm    *Assembler
}

func newTestEnv(t *testing.T, p Params) *testEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := newFakeRemote()
	return &testEnv{
		t:      t,
		dir:    t.TempDir(),
		store:  st,
		remote: fake,
		asm: New(st, fake, p,
			WithClaimWait(5*time.Millisecond, 2*time.Second)),
	}
}

// writeFile creates (or rewrites) a file in the scratch dir and returns its
// FileInput with fresh size and mtime.
func (e *testEnv) writeFile(relPath, content string) FileInput {
	e.t.Helper()
	abs := filepath.Join(e.dir, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		e.t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		e.t.Fatal(err)
	}
	// Nudge mtime forward so rewrites are always distinguishable even on
	// coarse filesystem clocks.
	now := time.Now().Add(time.Duration(len(content)) * time.Millisecond)
	if err := os.Chtimes(abs, now, now); err != nil {
		e.t.Fatal(err)
	}
	return e.input(relPath)
}

// input stats an existing scratch file into a FileInput.
func (e *testEnv) input(relPath string) FileInput {
	e.t.Helper()
	abs := filepath.Join(e.dir, relPath)
	info, err := os.Stat(abs)
	if err != nil {
		e.t.Fatal(err)
	}
	return FileInput{
		AbsPath: abs,
		RelPath: relPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}
