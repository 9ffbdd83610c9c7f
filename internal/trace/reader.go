package trace

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// Entry is one decoded record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

type SearchOptions struct {
	// Start and End bound the record timestamps. Zero means unbounded.
	Start time.Time
	End   time.Time

	// Limit keeps only the first Limit matching records.
	Limit int
	// Tail keeps only the last Tail matching records. Limit and Tail are
	// mutually exclusive.
	Tail int

	// Sources restricts the search to the named sources.
	Sources []string

	// Match keeps string records containing Match.
	Match string
}

type indexEntry struct {
	offset int64
	ts     int64
	source int
}

// Reader indexes a trace file once and then serves queries from the index.
type Reader struct {
	r io.ReaderAt

	entries  []indexEntry
	sources  []string
	sourceID map[string]int

	earliest int64
	latest   int64
}

// NewReader indexes every record of r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	ret := &Reader{r: r, sourceID: make(map[string]int)}
	if err := ret.index(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, fmt.Errorf("trace: index: %w", err)
	}
	return ret, nil
}

// NewReaderFromBytes indexes an in-memory trace.
func NewReaderFromBytes(data []byte) (*Reader, error) {
	return NewReader(bytes.NewReader(data), int64(len(data)))
}

// NewReaderFromFile opens and indexes filename. The returned closer releases
// the file.
func NewReaderFromFile(filename string) (*Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: open %s: %w", filename, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("trace: stat %s: %w", filename, err)
	}
	r, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) index(rd io.Reader) error {
	br := bufio.NewReaderSize(rd, 1<<20)

	var header [headerSize]byte
	var off int64
	source := make([]byte, 0xffff)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header at %d: %w", off, err)
		}
		kind, sourceLen, payloadLen, ts := decodeHeader(header[:])
		if kind == KindInvalid {
			// A zero header marks space reserved by a writer that never
			// finished; nothing after it is trustworthy.
			return nil
		}
		if _, err := io.ReadFull(br, source[:sourceLen]); err != nil {
			return fmt.Errorf("read source at %d: %w", off, err)
		}
		if _, err := br.Discard(int(payloadLen)); err != nil {
			return fmt.Errorf("skip payload at %d: %w", off, err)
		}

		id, ok := r.sourceID[string(source[:sourceLen])]
		if !ok {
			id = len(r.sources)
			r.sources = append(r.sources, string(source[:sourceLen]))
			r.sourceID[r.sources[id]] = id
		}

		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}

		r.entries = append(r.entries, indexEntry{offset: off, ts: ts, source: id})
		off += headerSize + int64(sourceLen) + int64(payloadLen)
	}
}

// Sources returns every source in order of first appearance.
func (r *Reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

// TimeRange returns the earliest and latest timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

// Len returns the number of records.
func (r *Reader) Len() int { return len(r.entries) }

func (r *Reader) load(ie indexEntry) (Entry, error) {
	var header [headerSize]byte
	if _, err := r.r.ReadAt(header[:], ie.offset); err != nil {
		return Entry{}, fmt.Errorf("trace: read header at %d: %w", ie.offset, err)
	}
	kind, sourceLen, payloadLen, ts := decodeHeader(header[:])
	data := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := r.r.ReadAt(data, ie.offset+headerSize+int64(sourceLen)); err != nil {
			return Entry{}, fmt.Errorf("trace: read payload at %d: %w", ie.offset, err)
		}
	}
	return Entry{Time: time.Unix(0, ts), Kind: kind, Source: r.sources[ie.source], Data: data}, nil
}

// Search calls fn for each record matching opts in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	if opts.Limit > 0 && opts.Tail > 0 {
		return fmt.Errorf("trace: cannot set both Limit and Tail")
	}

	var allowed map[int]bool
	if len(opts.Sources) > 0 {
		allowed = make(map[int]bool)
		for _, s := range opts.Sources {
			if id, ok := r.sourceID[s]; ok {
				allowed[id] = true
			}
		}
	}

	var matched []indexEntry
	for _, ie := range r.entries {
		if allowed != nil && !allowed[ie.source] {
			continue
		}
		ts := time.Unix(0, ie.ts)
		if !opts.Start.IsZero() && ts.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && ts.After(opts.End) {
			continue
		}
		matched = append(matched, ie)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ts < matched[j].ts
	})

	var out []Entry
	for _, ie := range matched {
		e, err := r.load(ie)
		if err != nil {
			return err
		}
		if opts.Match != "" && (e.Kind != KindString || !bytes.Contains(e.Data, []byte(opts.Match))) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	if opts.Tail > 0 && len(out) > opts.Tail {
		out = out[len(out)-opts.Tail:]
	}

	for _, e := range out {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Each visits every record.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.Search(SearchOptions{}, fn)
}
