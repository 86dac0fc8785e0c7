// Package reader streams health export XML and classifies elements into
// categories without loading the document into memory. Fragments that fail
// to parse are skipped individually so a corrupted region never aborts the
// stream.
package reader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/parser"
)

// maxFragmentSize caps how many bytes a single element may span before the
// reader gives up on it and rescans for the next element marker.
const maxFragmentSize = 1 << 20

// elementNames are the top-level export elements the reader extracts.
// Everything else (ExportDate, Me, ClinicalRecord wrappers) is passed over.
var elementNames = map[string]model.ElementKind{
	"Record":          model.ElementRecord,
	"Workout":         model.ElementWorkout,
	"ActivitySummary": model.ElementActivitySummary,
}

// ParseError reports a fragment that could not be decoded. The stream
// continues past it; callers count these per run.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("reader: malformed fragment at byte %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Options configures a Reader.
type Options struct {
	// Buffer is the element channel capacity. Zero means a sensible
	// default; the bound is what applies backpressure to the scan.
	Buffer int

	// OnFragment is invoked for each malformed fragment, after which the
	// scan resumes at the next element marker. May be nil.
	OnFragment func(*ParseError)
}

// Reader scans an export stream and emits classified raw elements.
type Reader struct {
	opts Options
	log  *zap.Logger
}

func New(opts Options) *Reader {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	return &Reader{opts: opts, log: zap.L().Named("reader")}
}

// xmlFragment is the generic decode target for a single extracted element.
type xmlFragment struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Meta    []struct {
		Key   string `xml:"key,attr"`
		Value string `xml:"value,attr"`
	} `xml:"MetadataEntry"`
}

// Stream scans r and sends one RawElement per well-formed Record, Workout,
// or ActivitySummary element, in document order, with sequence numbers
// assigned per category. The element channel is closed when the input is
// exhausted; a read or charset failure is delivered on the error channel.
func (rd *Reader) Stream(ctx context.Context, r io.Reader) (<-chan model.RawElement, <-chan error) {
	elements := make(chan model.RawElement, rd.opts.Buffer)
	errs := make(chan error, 1)

	go func() {
		defer close(elements)
		defer close(errs)

		src, err := charsetReader(r)
		if err != nil {
			errs <- err
			return
		}

		sc := newScanner(src)
		seqs := make(map[model.Category]int64)

		for {
			frag, offset, err := sc.next()
			if err == io.EOF {
				return
			}
			if err != nil {
				errs <- eris.Wrap(err, "reader: scan")
				return
			}

			el, decodeErr := decodeFragment(frag, offset, seqs)
			if decodeErr != nil {
				rd.log.Debug("skipping malformed fragment",
					zap.Int64("offset", decodeErr.Offset),
					zap.Error(decodeErr.Err))
				if rd.opts.OnFragment != nil {
					rd.opts.OnFragment(decodeErr)
				}
				continue
			}

			select {
			case elements <- el:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return elements, errs
}

// decodeFragment unmarshals one extracted element and classifies it.
// MetadataEntry children are folded into the attribute map keyed by their
// metadata key.
func decodeFragment(frag []byte, offset int64, seqs map[model.Category]int64) (model.RawElement, *ParseError) {
	var x xmlFragment
	if err := xml.Unmarshal(frag, &x); err != nil {
		return model.RawElement{}, &ParseError{Offset: offset, Err: err}
	}

	kind, ok := elementNames[x.XMLName.Local]
	if !ok {
		return model.RawElement{}, &ParseError{Offset: offset, Err: fmt.Errorf("unexpected element %q", x.XMLName.Local)}
	}

	attrs := make(map[string]string, len(x.Attrs)+len(x.Meta))
	for _, a := range x.Attrs {
		attrs[a.Name.Local] = a.Value
	}
	for _, m := range x.Meta {
		if m.Key != "" {
			attrs[m.Key] = m.Value
		}
	}

	cat := parser.CategoryFor(kind, attrs["type"])
	seqs[cat]++

	return model.RawElement{
		Kind:     kind,
		Category: cat,
		Type:     attrs["type"],
		Attrs:    attrs,
		Seq:      seqs[cat],
		Offset:   offset,
	}, nil
}

var xmlDeclEncoding = regexp.MustCompile(`encoding="([A-Za-z0-9._-]+)"`)

// charsetReader inspects the XML declaration and, for non-UTF-8 input,
// wraps r in a transcoding reader resolved through the HTML encoding index.
func charsetReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(256)
	if err != nil && err != io.EOF {
		return nil, eris.Wrap(err, "reader: peek declaration")
	}

	m := xmlDeclEncoding.FindSubmatch(head)
	if m == nil {
		return br, nil
	}
	name := strings.ToLower(string(m[1]))
	if name == "utf-8" || name == "utf8" {
		return br, nil
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, eris.Wrapf(err, "reader: charset %s", name)
	}
	return transcodeDecl(enc.NewDecoder().Reader(br)), nil
}

// transcodeDecl strips the original declaration's encoding attribute so the
// transcoded stream does not claim a stale charset.
func transcodeDecl(r io.Reader) io.Reader {
	return &declRewriter{r: r}
}

type declRewriter struct {
	r    io.Reader
	done bool
	buf  bytes.Buffer
}

func (d *declRewriter) Read(p []byte) (int, error) {
	if !d.done {
		head := make([]byte, 256)
		n, err := io.ReadFull(d.r, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return 0, err
		}
		d.buf.Write(xmlDeclEncoding.ReplaceAll(head[:n], []byte(`encoding="UTF-8"`)))
		d.done = true
	}
	if d.buf.Len() > 0 {
		return d.buf.Read(p)
	}
	return d.r.Read(p)
}
