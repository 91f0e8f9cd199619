package ingestkit

import (
	"context"

	"github.com/pkg/errors"
)

var (
	// ErrSchemaChange is returned from Source.Record when the returned
	// record has a different schema from the previous record.
	ErrSchemaChange = errors.New("this record has a different schema from the previous record (or is the first one delivered). Please call Source.Schema() to fetch the schema in order to properly decode this record")

	// ErrTargetExists is returned when a finalizer is pointed at a path
	// that already holds a file.
	ErrTargetExists = errors.New("finalize target exists")

	// ErrNoSchema is returned when a schema reference cannot be
	// resolved to any recognized scheme or resource.
	ErrNoSchema = errors.New("no schema available")

	// ErrEnumBound is returned when a value falls outside a
	// schema-declared enumeration set.
	ErrEnumBound = errors.New("value outside declared enumeration set")
)

type (
	// Source is an interface implemented by sources of inbound records.
	// Each Record returned from Record is described by the Fields
	// returned from Source.Schema directly after the call to
	// Source.Record. Source implementations are fundamentally not
	// threadsafe (due to the interplay between Record and Schema).
	Source interface {
		// Record returns a data record, and an optional error. If the
		// error is ErrSchemaChange, then the record is valid, but one
		// should call Source.Schema to understand how each of its
		// fields should be interpreted.
		Record() (Record, error)

		// Schema returns the Fields which apply to the most recent
		// Record returned from Source.Record.
		Schema() Fields

		Close() error
	}

	Record interface {
		// Commit notifies the Source which produced this record that it
		// and any record which came before it have been completely
		// processed.
		Commit(ctx context.Context) error

		Data() []interface{}
	}

	// Transformer maps one inbound record shape to an outbound record
	// shape. Implementations are pure per record; configured variants
	// are fresh values, never mutated in place.
	Transformer interface {
		Transform(rec []interface{}) ([]interface{}, error)
	}

	// Finalizer consumes a sequence of outbound records, writing each
	// to a target container while accreting per-field statistics. It is
	// a scoped resource: exactly one Finalizer owns its target path,
	// WriteRecord must be called from a single logical writer, and
	// Close must run on every exit path. Statistics is frozen once
	// Close returns.
	Finalizer interface {
		WriteRecord(rec []interface{}) error

		// RowsToSkip declares how many leading records the surrounding
		// loop must not pass to WriteRecord. The finalizer never sees
		// skipped rows.
		RowsToSkip() int

		Statistics() []FieldStatistics
		Close() error
	}
)

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(rec []interface{}) ([]interface{}, error)

func (f TransformerFunc) Transform(rec []interface{}) ([]interface{}, error) {
	return f(rec)
}

// Chain composes transformers left to right into one stage.
func Chain(stages ...Transformer) Transformer {
	return TransformerFunc(func(rec []interface{}) ([]interface{}, error) {
		var err error
		for _, stage := range stages {
			rec, err = stage.Transform(rec)
			if err != nil {
				return nil, err
			}
		}
		return rec, nil
	})
}
