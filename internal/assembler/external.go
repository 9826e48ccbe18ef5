package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"packrat/internal/hashing"
	"packrat/internal/remote"
	"packrat/internal/store"
)

// extItem is one member of the external fileset with its bytes in hand.
type extItem struct {
	name string
	hash hashing.ContentHash
	data []byte
}

// externalItems reads and hashes every candidate outside the inline partition
// plus the one-shot attachments. Files introduced after establishment land
// here too: outside the partition means external, always.
func (a *Assembler) externalItems(files []FileInput, inlineSet map[string]bool, attachments []Attachment) ([]extItem, error) {
	var items []extItem
	for _, f := range files {
		if inlineSet[f.RelPath] {
			continue
		}
		data, err := os.ReadFile(f.AbsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read external file %s: %w", f.RelPath, err)
		}
		items = append(items, extItem{
			name: f.RelPath,
			hash: hashing.HashContent(data),
			data: data,
		})
	}
	for _, att := range attachments {
		items = append(items, extItem{
			name: att.Name,
			hash: hashing.HashContent(att.Data),
			data: att.Data,
		})
	}
	return items, nil
}

// ensureCollection guarantees a remote collection exists for filesetID. The
// fast path is a cache hit plus a TTL touch; the slow path uploads missing
// artifacts and creates the collection. One retry absorbs a stale record
// discovered along the way.
func (a *Assembler) ensureCollection(ctx context.Context, filesetID hashing.FilesetIdentity, items []extItem) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if id, ok, err := a.store.LookupCollection(ctx, filesetID); err != nil {
			return "", err
		} else if ok {
			if err := a.store.TouchCollection(ctx, filesetID); err != nil {
				return "", err
			}
			a.log.Debug("reusing collection",
				zap.String("fileset", string(filesetID)), zap.String("collection", id))
			return id, nil
		}

		id, err := a.createCollection(ctx, filesetID, items)
		if err == nil {
			return id, nil
		}
		var nf *remote.NotFoundError
		if errors.As(err, &nf) && attempt == 0 {
			// A cached handle pointed at something the service already
			// dropped. Purge and rebuild once.
			a.log.Warn("stale remote reference, recreating",
				zap.String("fileset", string(filesetID)), zap.String("id", nf.ID))
			if derr := a.store.DeleteCollection(ctx, filesetID); derr != nil {
				return "", derr
			}
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("collection for %s still stale after recreation", filesetID)
}

// createCollection uploads every artifact not already committed (bounded
// parallelism), creates the remote collection from the fresh uploads, then
// associates the already-cached files — a metadata operation, no re-upload.
// Registration is first-writer-wins: on a lost race our own collection is
// deleted best-effort and the winner's id is returned.
func (a *Assembler) createCollection(ctx context.Context, filesetID hashing.FilesetIdentity, items []extItem) (string, error) {
	ids := make([]string, len(items))
	fresh := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.limit)
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			id, uploaded, err := a.ensureArtifact(gctx, it)
			if err != nil {
				return err
			}
			ids[i] = id
			fresh[i] = uploaded
			return nil
		})
	}
	// Collection creation waits for every upload to commit or abandon.
	if err := g.Wait(); err != nil {
		return "", err
	}

	var freshIDs []string
	for i := range items {
		if fresh[i] {
			freshIDs = append(freshIDs, ids[i])
		}
	}
	collectionID, err := a.client.CreateCollection(ctx, freshIDs)
	if err != nil {
		return "", err
	}

	for i, it := range items {
		if fresh[i] {
			continue
		}
		if err := a.associateCached(ctx, collectionID, it, ids[i]); err != nil {
			// Drop the half-built collection rather than registering it.
			if derr := a.client.DeleteCollection(context.WithoutCancel(ctx), collectionID); derr != nil {
				a.log.Warn("failed to delete half-built collection",
					zap.String("collection", collectionID), zap.Error(derr))
			}
			return "", err
		}
	}

	winner, err := a.store.RegisterCollection(ctx, filesetID, collectionID, len(items))
	if err != nil {
		return "", err
	}
	if winner != collectionID {
		// Lost the registration race; exactly one live collection per
		// identity, so ours goes.
		if derr := a.client.DeleteCollection(context.WithoutCancel(ctx), collectionID); derr != nil {
			a.log.Warn("failed to delete losing collection",
				zap.String("collection", collectionID), zap.Error(derr))
		}
		return winner, nil
	}
	a.log.Info("collection created",
		zap.String("fileset", string(filesetID)),
		zap.String("collection", collectionID),
		zap.Int("files", len(items)),
		zap.Int("uploaded", len(freshIDs)))
	return collectionID, nil
}

// associateCached attaches an already-committed artifact to the collection.
// A not-found on the file id means the remote file expired underneath a
// committed record: forget it, re-upload, and associate the replacement.
func (a *Assembler) associateCached(ctx context.Context, collectionID string, it extItem, fileID string) error {
	err := a.client.Associate(ctx, collectionID, fileID)
	if err == nil {
		return nil
	}
	var nf *remote.NotFoundError
	if !errors.As(err, &nf) || nf.ID == collectionID {
		return err
	}

	a.log.Warn("committed artifact vanished remotely, re-uploading",
		zap.String("hash", string(it.hash)), zap.String("file", fileID))
	if err := a.store.ForgetArtifact(ctx, it.hash); err != nil {
		return err
	}
	newID, _, err := a.ensureArtifact(ctx, it)
	if err != nil {
		return err
	}
	return a.client.Associate(ctx, collectionID, newID)
}

// ensureArtifact resolves one item to a committed remote file id, uploading
// it if this caller wins the claim. Returns whether the upload happened here.
//
// A rival's live pending claim is polled within the claim wait budget instead
// of duplicating the upload. A started upload runs to completion even when
// the request context is canceled: a half-finished upload with an orphaned
// remote object is worse than a completed but unused one, and the claimed
// slot must still resolve to committed or abandoned so no future claimant
// deadlocks.
func (a *Assembler) ensureArtifact(ctx context.Context, it extItem) (string, bool, error) {
	deadline := time.Now().Add(a.claimWaitBudget)
	for {
		res, err := a.store.ClaimArtifact(ctx, it.hash)
		if err != nil {
			return "", false, err
		}
		switch res.State {
		case store.ClaimExisting:
			return res.RemoteID, false, nil

		case store.ClaimWinner:
			uploadCtx := context.WithoutCancel(ctx)
			id, err := a.client.Upload(uploadCtx, it.name, it.data)
			if err != nil {
				if abErr := a.store.AbandonArtifact(uploadCtx, it.hash); abErr != nil {
					a.log.Error("failed to abandon claim after upload failure",
						zap.String("hash", string(it.hash)), zap.Error(abErr))
				}
				return "", false, err
			}
			if err := a.store.CommitArtifact(uploadCtx, it.hash, id); err != nil {
				// The upload succeeded but the cache write did not;
				// clean up the remote object so nothing dangles.
				if delErr := a.client.DeleteFile(uploadCtx, id); delErr != nil {
					a.log.Warn("failed to delete uncommitted upload",
						zap.String("file", id), zap.Error(delErr))
				}
				if abErr := a.store.AbandonArtifact(uploadCtx, it.hash); abErr != nil {
					a.log.Error("failed to abandon claim after commit failure",
						zap.String("hash", string(it.hash)), zap.Error(abErr))
				}
				return "", false, err
			}
			return id, true, nil

		case store.ClaimPending:
			if time.Now().After(deadline) {
				return "", false, fmt.Errorf(
					"timed out waiting for concurrent upload of %s", it.name)
			}
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(a.claimPollInterval):
			}
		}
	}
}
