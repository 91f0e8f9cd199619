// Package csv reads delimited files as positional records typed by a
// name__type header convention.
package csv

import (
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/datalith/ingestkit"
	"github.com/datalith/ingestkit/logger"
)

// Source produces one Record per CSV row across one or more files. The
// first row of each file is a header of name__type tokens describing
// the schema, unless Header is set explicitly. Cells arrive as raw
// strings; pair the source with a parse transformer to get typed
// values.
type Source struct {
	Files        chan string
	Header       []string
	IgnoreHeader bool
	JustDoIt     bool
	Log          logger.Logger

	schemaLock sync.Mutex
	schema     ingestkit.Fields

	records      chan Record
	done         chan struct{}
	once         *sync.Once
	closeOnce    *sync.Once
	expectHeader bool
}

func NewSource() *Source {
	return &Source{
		records:   make(chan Record, 0), // nolint: gosimple // do not change buffer size!
		done:      make(chan struct{}),
		once:      &sync.Once{},
		closeOnce: &sync.Once{},
		Log:       logger.NopLogger,
	}
}

func (s *Source) Record() (ingestkit.Record, error) {
	s.once.Do(func() { go s.run() })

	rec, ok := <-s.records
	if !ok {
		return nil, io.EOF
	}
	return rec, rec.err
}

type Record struct {
	data []interface{}
	err  error
}

func (r Record) Data() []interface{} {
	return r.data
}
func (r Record) Commit(ctx context.Context) error { return nil }

func (s *Source) Schema() ingestkit.Fields {
	s.schemaLock.Lock()
	defer s.schemaLock.Unlock()
	return s.schema
}

func (s *Source) run() {
	defer close(s.records)

	s.expectHeader = len(s.Header) == 0
	if !s.expectHeader {
		var err error
		s.schemaLock.Lock()
		s.schema, err = s.processHeader(s.Header)
		s.schemaLock.Unlock()
		if err != nil {
			s.send(Record{err: errors.Wrapf(err, "processing given header: %+v", s.Header)})
			return
		}
	}

	for {
		select {
		case filename, ok := <-s.Files:
			if !ok {
				return
			}
			if !s.processFile(filename) {
				return
			}
		case <-s.done:
			return
		}
	}
}

// send delivers one record to the consumer. It returns false once
// Close has been called, so producers never block on an abandoned
// pipeline.
func (s *Source) send(rec Record) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.records <- rec:
		return true
	case <-s.done:
		return false
	}
}

// HeaderToField interprets one header token as a typed field. The token
// is the field name, optionally followed by "__" and a type tag, e.g.
// "age__int". A bare name is a nullable string. All CSV fields are
// nullable since an empty cell carries no value.
func HeaderToField(token string, log logger.Logger) (ingestkit.Field, error) {
	name := token
	tag := ingestkit.StringType
	if idx := strings.LastIndex(token, "__"); idx != -1 {
		name = token[:idx]
		tag = ingestkit.TypeTag(strings.ToLower(token[idx+2:]))
		if !tag.Valid() {
			return ingestkit.Field{}, errors.Wrapf(ingestkit.ErrUnknownTypeTag, "header token %q", token)
		}
	}
	field := ingestkit.Field{
		Name:     strings.ToLower(name),
		Type:     tag,
		Nullable: true,
	}
	if err := field.Validate(); err != nil {
		return ingestkit.Field{}, errors.Wrapf(err, "header token %q", token)
	}
	return field, nil
}

func (s *Source) processHeader(header []string) (schema ingestkit.Fields, err error) {
	schema = make(ingestkit.Fields, len(header))
	for i, val := range header {
		schema[i], err = HeaderToField(val, s.Log)
		if err != nil && s.JustDoIt {
			schema[i] = ingestkit.Field{
				Name:     strings.ToLower(val),
				Type:     ingestkit.StringType,
				Nullable: true,
			}
		} else if err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func (s *Source) processFile(name string) bool {
	s.Log.Printf("processFile: %s", name)

	f, err := openFileOrURL(name)
	if err != nil {
		return s.send(Record{err: errors.Wrapf(err, "opening %s", name)})
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.ReuseRecord = true
	reader.FieldsPerRecord = 0
	var nextErr error
	if s.expectHeader || s.IgnoreHeader {
		header, err := reader.Read()
		if err != nil {
			return s.send(Record{err: errors.Wrapf(err, "reading header from '%s'", name)})
		}
		if s.expectHeader {
			newschema, err := s.processHeader(header)
			if err != nil {
				s.Log.Printf("processHeader error: %v\n", err)
				return s.send(Record{err: errors.Wrapf(err, "processing header from '%s': %+v", name, header)})
			}
			s.schemaLock.Lock()
			if !reflect.DeepEqual(newschema, s.schema) {
				s.schema = newschema
				nextErr = ingestkit.ErrSchemaChange
			}
			s.schemaLock.Unlock()
		}
	}
	// reuse two record buffers rather than allocating per row; the
	// unbuffered channel guarantees the consumer is done with buffer
	// i-2 before we overwrite it
	recs := [2]Record{
		{data: make([]interface{}, len(s.schema)), err: nextErr},
		{data: make([]interface{}, len(s.schema))},
	}
	i := -1
	extraColumnsCount := 0
	row, err := reader.Read()
	for ; err == nil; row, err = reader.Read() {
		i += 1
		for j, val := range row {
			if len(s.schema) <= j {
				if extraColumnsCount == 0 {
					s.Log.Warnf("'%s': ignoring additional column(s) not included in the header specification", name)
				}
				extraColumnsCount++
				break
			}
			recs[i%2].data[j] = val
		}
		if !s.send(recs[i%2]) {
			return false
		}
		recs[i%2].err = nil
	}
	if extraColumnsCount > 0 {
		s.Log.Printf("Processing '%s': %d rows have more columns than header specification", name, extraColumnsCount)
	}
	if err != io.EOF {
		s.Log.Printf("ERROR Processing '%s': '%v'. Skipping rest of file.", name, err)
	}
	return true
}

func openFileOrURL(name string) (io.ReadCloser, error) {
	var content io.ReadCloser
	if strings.HasPrefix(name, "http") {
		resp, err := http.Get(name)
		if err != nil {
			return nil, errors.Wrap(err, "getting via http")
		}
		if resp.StatusCode > 299 {
			return nil, errors.Errorf("got status %d via http.Get", resp.StatusCode)
		}
		content = resp.Body
	} else {
		f, err := os.Open(name)
		if err != nil {
			return nil, errors.Wrap(err, "opening file")
		}
		content = f
	}
	return content, nil
}

// Close releases the producer goroutine. Records already handed to the
// consumer remain valid; subsequent Record calls drain whatever is in
// flight and then return io.EOF.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
