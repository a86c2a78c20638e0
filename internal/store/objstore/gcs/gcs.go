// Copyright (C) 2025 The kvbd authors

// Package gcs implements the objstore.Backend interface on top of Google
// Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/kvbd/kvbd/internal/store/objstore"
)

const (
	segFmt         = "%016x"
	checkpointName = "checkpoint"

	opTimeout = 30 * time.Second
)

// GCS implements objstore.Backend using a GCS bucket. The bucket must
// already exist, unlike s3 we do not create it on the fly since bucket
// creation needs project level configuration.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	ctx    context.Context
}

// Options for New().
type Options struct {
	Bucket string
}

func New(ctx context.Context, o Options) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}

	return &GCS{
		client: client,
		bucket: client.Bucket(o.Bucket),
		ctx:    ctx,
	}, nil
}

// Upload stores buf under the segment object.
func (g *GCS) Upload(seg int64, buf []byte) error {
	ctx, cancel := context.WithTimeout(g.ctx, opTimeout)
	defer cancel()

	w := g.bucket.Object(encode(seg)).NewWriter(ctx)
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return fmt.Errorf("writing segment %d: %w", seg, err)
	}

	return w.Close()
}

// DownloadAt reads len(buf) bytes from the segment starting at offset.
func (g *GCS) DownloadAt(seg int64, buf []byte, offset int64) error {
	ctx, cancel := context.WithTimeout(g.ctx, opTimeout)
	defer cancel()

	r, err := g.bucket.Object(encode(seg)).NewRangeReader(ctx, offset, int64(len(buf)))
	if err != nil {
		return translateNotFound(seg, err)
	}
	defer r.Close()

	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading segment %d: %w", seg, err)
	}

	return nil
}

// Size returns the segment object size.
func (g *GCS) Size(seg int64) (int64, error) {
	ctx, cancel := context.WithTimeout(g.ctx, opTimeout)
	defer cancel()

	attrs, err := g.bucket.Object(encode(seg)).Attrs(ctx)
	if err != nil {
		return 0, translateNotFound(seg, err)
	}

	return attrs.Size, nil
}

// Delete removes the segment object.
func (g *GCS) Delete(seg int64) error {
	ctx, cancel := context.WithTimeout(g.ctx, opTimeout)
	defer cancel()

	err := g.bucket.Object(encode(seg)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}

	return err
}

// DeleteFrom removes the segment and all segments with higher sequence
// numbers. The checkpoint object is never touched.
func (g *GCS) DeleteFrom(fromSeg int64) error {
	ctx, cancel := context.WithTimeout(g.ctx, opTimeout)
	defer cancel()

	it := g.bucket.Objects(ctx, nil)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}

		seg, ok := decode(attrs.Name)
		if ok && seg >= fromSeg {
			if err := g.Delete(seg); err != nil {
				return err
			}
		}
	}
}

func translateNotFound(seg int64, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: segment %d", objstore.ErrNotFound, seg)
	}

	return err
}

func encode(seg int64) string {
	if seg == objstore.CheckpointKey {
		return checkpointName
	}

	return fmt.Sprintf(segFmt, seg)
}

func decode(name string) (int64, bool) {
	if name == checkpointName {
		return objstore.CheckpointKey, false
	}

	var seg int64
	n, err := fmt.Sscanf(name, segFmt, &seg)
	if err != nil || n != 1 {
		return 0, false
	}

	return seg, true
}
