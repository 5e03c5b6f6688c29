// Package parser defines the shared row and stream types produced by the
// tabular format readers (csv, excel, htmltable).
//
// A parsed upload is exposed as a Stream: the sanitized column names are
// known up front (header detection is synchronous), data rows arrive on a
// channel in source order, and Wait reports the terminal parse error, if
// any, after the channel closes. Parsing is pure: readers never touch the
// database or filesystem beyond the byte stream they are given.
package parser

import "sync"

// Row is a pooled container holding one positional data row aligned to the
// Stream's Columns.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time.
//   - A Row is passed downstream via the Stream channel (ownership
//     transfer); the consumer must call Free() when fully done with it.
//
// IMPORTANT: on cancellation paths use Drop(), not Free(). A canceled
// producer may still be unwinding while the consumer drains; re-pooling a
// row at that point lets it be reused and overwritten concurrently.
type Row struct {
	V    []any
	Line int // 1-based source line / sheet row, when known
}

var rowPool sync.Pool

// GetRow returns a pooled Row sized for colCount fields, all nil.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool. Call only when no other goroutine can
// observe r or r.V.
func (r *Row) Free() { rowPool.Put(r) }

// Drop discards the Row without re-pooling. Use on cancellation paths.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}

// Options control format readers. All fields are optional.
type Options struct {
	// ContentType is the declared MIME type of the upload, used as a
	// format hint before byte sniffing.
	ContentType string

	// Filename is the original upload name; its extension is a format hint.
	Filename string

	// HeaderRow pins the 1-based header row for Excel sources. Zero means
	// automatic detection over the first rows of the sheet.
	HeaderRow int

	// Delimiter overrides the CSV field separator. Zero means ','.
	Delimiter rune

	// Buffer is the row channel capacity. Zero means 256.
	Buffer int
}

func (o Options) buffer() int {
	if o.Buffer <= 0 {
		return 256
	}
	return o.Buffer
}

// Delim returns the effective CSV delimiter.
func (o Options) Delim() rune {
	if o.Delimiter == 0 {
		return ','
	}
	return o.Delimiter
}

// BufferSize returns the effective row channel capacity.
func (o Options) BufferSize() int { return o.buffer() }

// Stream is a parsed upload: columns resolved synchronously, rows
// delivered asynchronously.
type Stream struct {
	// Columns are the sanitized identifiers, aligned with Raw.
	Columns []string
	// Raw are the original header cells as they appeared in the source.
	Raw []string
	// C delivers data rows in source order and is closed when the source
	// is exhausted or parsing fails.
	C <-chan *Row

	done chan struct{}
	err  error
}

// NewStream wires a Stream for a producer goroutine. The producer sends
// rows on the returned channel and must call finish exactly once; finish
// closes the row channel and records the terminal error.
func NewStream(columns, raw []string, buf int) (s *Stream, rows chan<- *Row, finish func(error)) {
	ch := make(chan *Row, buf)
	s = &Stream{
		Columns: columns,
		Raw:     raw,
		C:       ch,
		done:    make(chan struct{}),
	}
	var once sync.Once
	finish = func(err error) {
		once.Do(func() {
			s.err = err
			close(ch)
			close(s.done)
		})
	}
	return s, ch, finish
}

// Wait blocks until the producer finished and returns its terminal error.
// The row channel is drained or closed by then; callers normally range
// over C first and then call Wait.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// Done is closed when the producer finished, error or not.
func (s *Stream) Done() <-chan struct{} { return s.done }
