package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	avrolib "github.com/go-avro/avro"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jaffee/commandeer/pflag"
	"github.com/pkg/errors"

	"github.com/datalith/ingestkit"
	"github.com/datalith/ingestkit/acquire"
	"github.com/datalith/ingestkit/avro"
	csvsrc "github.com/datalith/ingestkit/csv"
	"github.com/datalith/ingestkit/logger"
)

func main() {
	m := NewMain()
	if err := pflag.LoadEnv(m, "INGEST_", nil); err != nil {
		log.Fatal(err)
	}
	if m.DryRun {
		log.Printf("%+v\n", m)
		return
	}
	if err := m.Run(); err != nil {
		log.Fatal(err)
	}
}

// Main ties source acquisition, record parsing, and Avro finalization
// into one command.
type Main struct {
	Name        string   `short:"" help:"Data set name."`
	Description string   `short:"" help:"Data set description."`
	DataVersion string   `short:"" help:"Data set version string."`
	WorkDir     string   `short:"w" help:"Directory acquired streams and outputs land in."`
	CacheDir    string   `short:"" help:"Content-addressed cache directory. Empty disables caching."`
	Sources     []string `short:"s" help:"Sources to acquire, as name=reference pairs. References may be file paths, file://, http(s)://, or s3:// URLs."`
	Checksums   []string `short:"" help:"Expected checksums, as name=digest pairs. A mismatch fails the source."`
	Schema      string   `short:"" help:"Avro schema reference describing the outbound records. When empty, sources are acquired but not finalized."`
	RowsToSkip  int      `short:"" help:"Leading data rows to drop from each stream before finalizing."`

	LocaleLanguage  string `short:"" help:"BCP 47 language tag used when parsing numbers, e.g. 'de'."`
	DateLayout      string `short:"" help:"Go layout for date cells."`
	TimestampLayout string `short:"" help:"Go layout for timestamp cells."`

	Concurrency int  `short:"c" help:"Number of sources acquired in parallel."`
	Retries     int  `short:"" help:"Retry count for remote fetches."`
	FailFast    bool `short:"" help:"Abort on the first source failure instead of dropping the source."`
	Verbose     bool `short:"v" help:"Enable debug logging."`
	DryRun      bool `short:"" help:"Dry run - just flag parsing."`

	log logger.Logger
}

func NewMain() *Main {
	return &Main{
		Name:        "dataset",
		DataVersion: "1",
		WorkDir:     ".",
		Concurrency: 1,
		Retries:     3,
	}
}

func (m *Main) Run() error {
	if m.Verbose {
		m.log = logger.NewVerboseLogger(os.Stderr)
	} else {
		m.log = logger.NewStandardLogger(os.Stderr)
	}

	ctx := context.Background()

	var cache *acquire.Cache
	if m.CacheDir != "" {
		var err error
		cache, err = acquire.NewCache(m.CacheDir)
		if err != nil {
			return errors.Wrap(err, "opening cache")
		}
	}

	checksums, err := parsePairs(m.Checksums)
	if err != nil {
		return errors.Wrap(err, "parsing checksums")
	}
	refs, err := parsePairs(m.Sources)
	if err != nil {
		return errors.Wrap(err, "parsing sources")
	}
	if len(refs) == 0 {
		return errors.New("no sources given")
	}

	sources := make(map[string]acquire.Acquirer, len(refs))
	for name, ref := range refs {
		acq, err := acquire.ForReference(ref, acquire.Options{
			Expect:    checksums[name],
			Cache:     cache,
			Retries:   m.Retries,
			RetryWait: time.Second,
		})
		if err != nil {
			return errors.Wrapf(err, "source %q", name)
		}
		sources[name] = acq
	}

	ing := &ingestkit.Ingester{
		Name:        m.Name,
		Description: m.Description,
		Version:     m.DataVersion,
		WorkDir:     m.WorkDir,
		FailFast:    m.FailFast,
		Concurrency: m.Concurrency,
		Log:         m.log,
	}

	ds, err := ing.Ingest(ctx, sources)
	if err != nil {
		return errors.Wrap(err, "ingesting")
	}
	m.log.Printf("acquired %d of %d streams into %s", len(ds.Streams), len(sources), m.WorkDir)

	if m.Schema == "" {
		return nil
	}

	fields, err := m.resolveSchema()
	if err != nil {
		return errors.Wrap(err, "resolving schema")
	}

	for _, stream := range ds.Streams {
		if !isCSV(stream) {
			m.log.Debugf("stream %s: media type %q is not finalized", stream.Name, stream.MediaType)
			continue
		}
		if err := m.finalizeStream(ctx, stream, fields); err != nil {
			if m.FailFast {
				return errors.Wrapf(err, "finalizing %s", stream.Name)
			}
			m.log.Errorf("finalizing %s: %v", stream.Name, err)
		}
	}
	return nil
}

func (m *Main) resolveSchema() (ingestkit.Fields, error) {
	resolver := ingestkit.SchemaResolver{
		Resources: os.DirFS("."),
		Client:    retryablehttp.NewClient(),
	}
	raw, err := resolver.Resolve(m.Schema)
	if err != nil {
		return nil, err
	}
	schema, err := avrolib.ParseSchema(string(raw))
	if err != nil {
		return nil, errors.Wrap(err, "parsing Avro schema")
	}
	return avro.NewTranslator().ToSchema(schema)
}

func (m *Main) finalizeStream(ctx context.Context, stream ingestkit.DataStream, fields ingestkit.Fields) error {
	src := csvsrc.NewSource()
	src.Header = headerFor(fields)
	src.IgnoreHeader = true
	src.Log = m.log
	src.Files = make(chan string, 1)
	src.Files <- filepath.Join(m.WorkDir, stream.Path)
	close(src.Files)

	parser, err := ingestkit.NewParseTransformer(fields, ingestkit.ParseOptions{
		LocaleLanguage:  m.LocaleLanguage,
		DateLayout:      m.DateLayout,
		TimestampLayout: m.TimestampLayout,
	})
	if err != nil {
		return errors.Wrap(err, "building parser")
	}

	target := filepath.Join(m.WorkDir, stream.Name+".avro")
	fin, err := avro.NewFinalizer(target, avro.Config{
		Fields:     fields,
		RowsToSkip: m.RowsToSkip,
		Name:       m.Name,
	})
	if err != nil {
		return errors.Wrap(err, "opening finalizer")
	}

	written, err := ingestkit.RunPipeline(ctx, src, parser, fin)
	if err != nil {
		return err
	}
	m.log.Printf("finalized %s: %d records -> %s", stream.Name, written, target)

	return writeStatistics(filepath.Join(m.WorkDir, stream.Name+".stats.json"), fin.Statistics())
}

// headerFor renders the schema as the header tokens the CSV source
// expects, so the file's own header row is ignored in favor of the
// resolved schema.
func headerFor(fields ingestkit.Fields) []string {
	header := make([]string, len(fields))
	for i, f := range fields {
		header[i] = f.Name + "__" + string(f.Type)
	}
	return header
}

func writeStatistics(path string, stats []ingestkit.FieldStatistics) error {
	buf, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshalling statistics")
	}
	return errors.Wrap(os.WriteFile(path, buf, 0644), "writing statistics")
}

func isCSV(stream ingestkit.DataStream) bool {
	if strings.HasPrefix(stream.MediaType, "text/csv") {
		return true
	}
	return strings.HasSuffix(stream.Path, ".csv")
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, val, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, errors.Errorf("expected name=value, got %q", pair)
		}
		out[name] = val
	}
	return out, nil
}
