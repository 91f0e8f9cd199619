package ingestkit

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/datalith/ingestkit/acquire"
	"github.com/datalith/ingestkit/logger"
)

// Ingester pulls a set of named sources into a working directory,
// verifying checksums, and produces a finalized data set plus its
// manifest.
type Ingester struct {
	Name        string
	Description string
	Version     string

	// WorkDir is where acquired streams and the manifest land. It must
	// exist before Ingest runs.
	WorkDir string

	// FailFast aborts the whole ingestion on the first source failure
	// instead of dropping the one source.
	FailFast bool

	// Concurrency bounds parallel acquisition. Zero means one source at
	// a time.
	Concurrency int

	Log logger.Logger
}

func (ing *Ingester) log() logger.Logger {
	if ing.Log == nil {
		return logger.NopLogger
	}
	return ing.Log
}

// Ingest acquires every source in key order and returns the produced
// data set. Sources are fetched concurrently, but the result stream
// order is always the sorted key order, so manifests are reproducible
// across runs given identical inputs. A failing source is logged and
// dropped unless FailFast is set.
func (ing *Ingester) Ingest(ctx context.Context, sources map[string]acquire.Acquirer) (*DataSet, error) {
	if ing.WorkDir == "" {
		return nil, errors.New("ingester needs a working directory")
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	// Distinct references can share a base file name. Assign each
	// source its own target in sorted name order so the layout is the
	// same on every run, never decided by acquisition timing.
	used := make(map[string]bool, len(names))
	targets := make([]string, len(names))
	for i, name := range names {
		target := acquire.TargetName(sources[name].Reference())
		for used[target] {
			target = name + "-" + target
		}
		used[target] = true
		targets[i] = target
	}

	paths := make([]acquire.ChecksumPath, len(names))
	errs := make([]error, len(names))

	group, gctx := errgroup.WithContext(ctx)
	limit := ing.Concurrency
	if limit < 1 {
		limit = 1
	}
	group.SetLimit(limit)

	for i, name := range names {
		i, name := i, name
		acq := sources[name]
		dst := filepath.Join(ing.WorkDir, targets[i])
		group.Go(func() error {
			cp, err := acq.Acquire(gctx, dst)
			if err != nil {
				if ing.FailFast {
					return errors.Wrapf(err, "acquiring source %q", name)
				}
				errs[i] = err
				return nil
			}
			paths[i] = cp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	ds := &DataSet{
		Name:         ing.Name,
		Description:  ing.Description,
		Version:      ing.Version,
		CreationDate: time.Now().UTC(),
	}

	for i, name := range names {
		if errs[i] != nil {
			ing.log().Errorf("dropping source %q (%s): %v", name, sources[name].Reference(), errs[i])
			continue
		}

		rel, err := filepath.Rel(ing.WorkDir, paths[i].Path)
		if err != nil {
			return nil, errors.Wrapf(err, "relativizing path for source %q", name)
		}

		ds.Streams = append(ds.Streams, DataStream{
			ID:           uuid.New(),
			Name:         name,
			Description:  ing.Description,
			CreationDate: ds.CreationDate,
			Checksum:     paths[i].Checksum,
			MediaType:    paths[i].MediaType,
			Path:         rel,
			SourceMeta:   map[string]string{"reference": sources[name].Reference()},
		})
	}

	if err := ds.WriteManifest(ing.WorkDir); err != nil {
		return nil, err
	}

	return ds, nil
}

// RunPipeline streams records from src through the transformer chain
// into the finalizer, enforcing the finalizer's declared rows-to-skip
// by counting: the finalizer itself never sees skipped rows. It returns
// the number of records written. A failure inside the finalizer aborts
// the run; the partial output is left in place for diagnosis.
func RunPipeline(ctx context.Context, src Source, chain Transformer, fin Finalizer) (written int64, err error) {
	defer func() {
		if cerr := fin.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing finalizer")
		}
	}()
	// Close the source on every exit path so its producer goroutine is
	// released even when the finalizer aborts the run mid-file.
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing source")
		}
	}()

	skip := fin.RowsToSkip()
	seen := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		rec, rerr := src.Record()
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil && rerr != ErrSchemaChange {
			return written, errors.Wrapf(rerr, "reading record %d", seen)
		}

		seen++
		if seen <= int64(skip) {
			continue
		}

		data := rec.Data()
		if chain != nil {
			data, err = chain.Transform(data)
			if err != nil {
				return written, errors.Wrapf(err, "transforming record %d", seen-1)
			}
		}

		if err := fin.WriteRecord(data); err != nil {
			return written, errors.Wrapf(err, "finalizing record %d", seen-1)
		}
		written++

		if err := rec.Commit(ctx); err != nil {
			return written, errors.Wrapf(err, "committing record %d", seen-1)
		}
	}
}
