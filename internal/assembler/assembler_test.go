package assembler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packrat/internal/hashing"
	"packrat/internal/remote"
)

// 160 bytes at 4 chars/token = 40 tokens.
func body(seed string) string {
	return strings.Repeat(seed, 160/len(seed))
}

func TestAssemble_AllFitInline(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 1000, CharsPerToken: 4})
	ctx := context.Background()

	files := []FileInput{
		env.writeFile("a.go", "package a\n"),
		env.writeFile("b.go", "package b\n"),
	}

	res, err := env.asm.Assemble(ctx, "s1", files, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.go", "b.go"}, res.InlinePaths)
	assert.Contains(t, res.Inline, "== a.go")
	assert.Contains(t, res.Inline, "package b")
	assert.Empty(t, res.CollectionID, "no external subset, no collection")
	assert.False(t, res.Degraded)

	// While everything fits, no partition row is persisted.
	_, established, err := env.store.LoadPartition(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, established)
}

func TestAssemble_BudgetOverflowScenario(t *testing.T) {
	// The canonical three-file scenario: budget 100, three 40-token files.
	env := newTestEnv(t, Params{TokenBudget: 100, CharsPerToken: 4})
	ctx := context.Background()

	f1 := env.writeFile("f1.txt", body("one "))
	f2 := env.writeFile("f2.txt", body("two "))
	f3 := env.writeFile("f3.txt", body("three "))

	res, err := env.asm.Assemble(ctx, "s1", []FileInput{f1, f2, f3}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"f1.txt", "f2.txt"}, res.PartitionPaths)
	assert.Equal(t, []string{"f1.txt", "f2.txt"}, res.InlinePaths)
	assert.NotContains(t, res.Inline, "three")
	require.NotEmpty(t, res.CollectionID)
	firstCollection := res.CollectionID

	uploads, creates, _ := env.remote.counts()
	assert.Equal(t, 1, uploads, "only f3 uploads")
	assert.Equal(t, 1, creates)

	// Call 2: f2 modified, f3 unchanged. Only f2 is resent; the external
	// fileset identity is unaffected by f2's change, so the collection is
	// reused.
	f2 = env.writeFile("f2.txt", body("TWO "))
	res, err = env.asm.Assemble(ctx, "s1", []FileInput{env.input("f1.txt"), f2, env.input("f3.txt")}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"f2.txt"}, res.InlinePaths)
	assert.Contains(t, res.Inline, "TWO")
	assert.NotContains(t, res.Inline, "one ")
	assert.Equal(t, firstCollection, res.CollectionID)

	uploads, creates, _ = env.remote.counts()
	assert.Equal(t, 1, uploads, "f3 must not re-upload")
	assert.Equal(t, 1, creates, "collection must be reused")
}

func TestAssemble_ZeroChangedFilesTransmitsNothing(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 1000, CharsPerToken: 4})
	ctx := context.Background()

	files := []FileInput{env.writeFile("a.go", "package a\n")}
	_, err := env.asm.Assemble(ctx, "s1", files, nil)
	require.NoError(t, err)

	res, err := env.asm.Assemble(ctx, "s1", files, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Inline, "unchanged files contribute zero inline bytes")
	assert.Empty(t, res.InlinePaths)
}

func TestAssemble_NewFileAfterEstablishmentIsExternal(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 100, CharsPerToken: 4})
	ctx := context.Background()

	f1 := env.writeFile("f1.txt", body("one "))
	f2 := env.writeFile("f2.txt", body("two "))
	f3 := env.writeFile("f3.txt", body("three "))
	_, err := env.asm.Assemble(ctx, "s1", []FileInput{f1, f2, f3}, nil)
	require.NoError(t, err)

	// A tiny new file would fit inline, but the partition is frozen:
	// outside it means external.
	tiny := env.writeFile("tiny.txt", "x")
	res, err := env.asm.Assemble(ctx, "s1", []FileInput{f1, f2, f3, tiny}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"f1.txt", "f2.txt"}, res.PartitionPaths)
	assert.NotContains(t, res.InlinePaths, "tiny.txt")
	uploads, _, _ := env.remote.counts()
	assert.Equal(t, 2, uploads, "tiny.txt joins the external subset")
}

func TestAssemble_AttachmentsJoinFileset(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 1000, CharsPerToken: 4})
	ctx := context.Background()

	files := []FileInput{env.writeFile("a.go", "package a\n")}
	res, err := env.asm.Assemble(ctx, "s1", files, []Attachment{
		{Name: "trace.log", Data: []byte("panic: boom")},
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.CollectionID, "attachments alone form a collection")
	uploads, _, _ := env.remote.counts()
	assert.Equal(t, 1, uploads)

	// Same attachment again: identity matches, collection reused.
	res2, err := env.asm.Assemble(ctx, "s1", files, []Attachment{
		{Name: "trace.log", Data: []byte("panic: boom")},
	})
	require.NoError(t, err)
	assert.Equal(t, res.CollectionID, res2.CollectionID)
	_, creates, _ := env.remote.counts()
	assert.Equal(t, 1, creates)
}

func TestAssemble_ContentDeduplicationAcrossPaths(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 10, CharsPerToken: 4})
	ctx := context.Background()

	same := body("dup ")
	files := []FileInput{
		env.writeFile("x/copy1.txt", same),
		env.writeFile("y/copy2.txt", same),
	}

	res, err := env.asm.Assemble(ctx, "s1", files, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.CollectionID)

	uploads, _, _ := env.remote.counts()
	assert.Equal(t, 1, uploads, "identical bytes upload once")
}

func TestAssemble_QuotaDegradesToInlineOnly(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 100, CharsPerToken: 4})
	ctx := context.Background()

	f1 := env.writeFile("f1.txt", body("one "))
	f2 := env.writeFile("f2.txt", body("two "))
	f3 := env.writeFile("f3.txt", body("three "))

	env.remote.failUploads = &remote.QuotaError{Op: "Upload"}
	res, err := env.asm.Assemble(ctx, "s1", []FileInput{f1, f2, f3}, nil)
	require.NoError(t, err, "quota must not fail the whole request")

	assert.True(t, res.Degraded)
	var qe *remote.QuotaError
	assert.True(t, errors.As(res.DegradedReason, &qe), "caller sees the quota failure unmodified")
	assert.Empty(t, res.CollectionID)
	assert.Equal(t, []string{"f1.txt", "f2.txt"}, res.InlinePaths, "inline portion still served")

	// The failed upload abandoned its claim; once quota clears, the next
	// call uploads and builds the collection.
	env.remote.failUploads = nil
	res, err = env.asm.Assemble(ctx, "s1",
		[]FileInput{env.input("f1.txt"), env.input("f2.txt"), env.input("f3.txt")}, nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.NotEmpty(t, res.CollectionID)
}

func TestAssemble_UploadFailureDegradesAndAbandons(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 10, CharsPerToken: 4})
	ctx := context.Background()

	files := []FileInput{env.writeFile("big.txt", body("data "))}
	env.remote.failUploads = errors.New("connection reset by peer")

	res, err := env.asm.Assemble(ctx, "s1", files, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.ErrorContains(t, res.DegradedReason, "connection reset")

	// Slot is retryable: no pending row deadlocks future claimants.
	env.remote.failUploads = nil
	res, err = env.asm.Assemble(ctx, "s1", []FileInput{env.input("big.txt")}, nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.NotEmpty(t, res.CollectionID)
}

func TestAssemble_StaleArtifactReuploaded(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 10, CharsPerToken: 4})
	ctx := context.Background()

	content := body("ghost ")
	files := []FileInput{env.writeFile("ghost.txt", content)}

	// A committed record whose remote file the service has since dropped.
	hash := hashing.HashContent([]byte(content))
	_, err := env.store.ClaimArtifact(ctx, hash)
	require.NoError(t, err)
	require.NoError(t, env.store.CommitArtifact(ctx, hash, "file-ghost"))
	env.remote.missingFiles["file-ghost"] = true

	res, err := env.asm.Assemble(ctx, "s1", files, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.CollectionID)

	uploads, _, _ := env.remote.counts()
	assert.Equal(t, 1, uploads, "vanished artifact re-uploaded exactly once")

	newID, ok, err := env.store.LookupArtifact(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, "file-ghost", newID, "record repaired with the fresh file id")
	assert.Contains(t, env.remote.collectionFiles(res.CollectionID), newID)
}

func TestInvalidateCollection_ForcesRecreation(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 10, CharsPerToken: 4})
	ctx := context.Background()

	files := []FileInput{env.writeFile("ext.txt", body("ext "))}
	res, err := env.asm.Assemble(ctx, "s1", files, nil)
	require.NoError(t, err)
	first := res.CollectionID

	require.NoError(t, env.asm.InvalidateCollection(ctx, res.FilesetID))

	res, err = env.asm.Assemble(ctx, "s1", []FileInput{env.input("ext.txt")}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, res.CollectionID)

	uploads, creates, _ := env.remote.counts()
	assert.Equal(t, 1, uploads, "artifact cache still valid, no re-upload")
	assert.Equal(t, 2, creates)
}

func TestReset_RecomputesPartitionAndResends(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 100, CharsPerToken: 4})
	ctx := context.Background()

	f1 := env.writeFile("f1.txt", body("one "))
	f2 := env.writeFile("f2.txt", body("two "))
	f3 := env.writeFile("f3.txt", body("three "))
	_, err := env.asm.Assemble(ctx, "s1", []FileInput{f1, f2, f3}, nil)
	require.NoError(t, err)

	require.NoError(t, env.asm.Reset(ctx, "s1"))

	// After reset with only two small files, everything fits inline again
	// and is retransmitted from scratch.
	res, err := env.asm.Assemble(ctx, "s1", []FileInput{env.input("f1.txt"), env.input("f2.txt")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1.txt", "f2.txt"}, res.InlinePaths)
	assert.Empty(t, res.CollectionID)
}

func TestAssemble_PartitionSurvivesRestart(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 100, CharsPerToken: 4})
	ctx := context.Background()

	f1 := env.writeFile("f1.txt", body("one "))
	f2 := env.writeFile("f2.txt", body("two "))
	f3 := env.writeFile("f3.txt", body("three "))
	first, err := env.asm.Assemble(ctx, "s1", []FileInput{f1, f2, f3}, nil)
	require.NoError(t, err)

	// A new assembler over the same store stands in for a process restart.
	restarted := New(env.store, env.remote, Params{TokenBudget: 100, CharsPerToken: 4})
	res, err := restarted.Assemble(ctx, "s1",
		[]FileInput{env.input("f1.txt"), env.input("f2.txt"), env.input("f3.txt")}, nil)
	require.NoError(t, err)

	if diff := cmp.Diff(first.PartitionPaths, res.PartitionPaths); diff != "" {
		t.Errorf("partition changed across restart (-first +restarted):\n%s", diff)
	}
	assert.Empty(t, res.InlinePaths, "markers survive restart, nothing resent")
	assert.Equal(t, first.CollectionID, res.CollectionID)
}

func TestAssemble_EmptySessionID(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 100, CharsPerToken: 4})
	_, err := env.asm.Assemble(context.Background(), "", nil, nil)
	require.Error(t, err)
}

func TestAssemble_CancellationResolvesClaim(t *testing.T) {
	env := newTestEnv(t, Params{TokenBudget: 10, CharsPerToken: 4})

	content := body("slow ")
	files := []FileInput{env.writeFile("slow.txt", content)}

	env.remote.uploadStarted = make(chan string, 1)
	env.remote.uploadRelease = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := env.asm.Assemble(ctx, "s1", files, nil)
		t.Logf("canceled call: res=%+v err=%v", res, err)
	}()

	<-env.remote.uploadStarted
	cancel() // request canceled mid-upload
	close(env.remote.uploadRelease)
	<-done

	// Whatever the call returned, the claimed slot must have resolved so
	// no future claimant deadlocks, and the finished upload is kept.
	hash := hashing.HashContent([]byte(content))
	id, ok, lerr := env.store.LookupArtifact(context.Background(), hash)
	require.NoError(t, lerr)
	assert.True(t, ok, "in-flight upload ran to completion and committed")
	assert.NotEmpty(t, id)

	// The next call reuses the committed artifact without re-uploading.
	env.remote.uploadStarted = nil
	env.remote.uploadRelease = nil
	res, err := env.asm.Assemble(context.Background(), "s1", []FileInput{env.input("slow.txt")}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.CollectionID)
	uploads, _, _ := env.remote.counts()
	assert.Equal(t, 1, uploads)
}
