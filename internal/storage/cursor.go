package storage

import "context"

// FetchFunc loads up to limit items with seq >= fromSeq, ordered by seq.
type FetchFunc[T any] func(ctx context.Context, fromSeq int64, limit int) ([]T, error)

// Cursor lazily pages through a sequence-ordered partition. It is finite: items
// past the head captured at creation are never returned. A cursor can be resumed
// by opening a new one at Seq()+1.
type Cursor[T any] struct {
	fetch    FetchFunc[T]
	seqOf    func(T) int64
	head     int64
	pageSize int

	next int64
	buf  []T
	cur  T
	seq  int64
	err  error
}

// NewCursor builds a cursor over [sinceSeq, head].
func NewCursor[T any](sinceSeq, head int64, pageSize int, seqOf func(T) int64, fetch FetchFunc[T]) *Cursor[T] {
	if sinceSeq < 1 {
		sinceSeq = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Cursor[T]{
		fetch:    fetch,
		seqOf:    seqOf,
		head:     head,
		pageSize: pageSize,
		next:     sinceSeq,
		seq:      sinceSeq - 1,
	}
}

// Next advances to the next item. It returns false at the end or on error.
func (c *Cursor[T]) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if len(c.buf) == 0 {
		if c.next > c.head {
			return false
		}
		page, err := c.fetch(ctx, c.next, c.pageSize)
		if err != nil {
			c.err = err
			return false
		}
		for len(page) > 0 && c.seqOf(page[len(page)-1]) > c.head {
			page = page[:len(page)-1]
		}
		if len(page) == 0 {
			c.next = c.head + 1
			return false
		}
		c.buf = page
	}

	c.cur = c.buf[0]
	c.buf = c.buf[1:]
	c.seq = c.seqOf(c.cur)
	c.next = c.seq + 1
	return true
}

// Value returns the current item.
func (c *Cursor[T]) Value() T { return c.cur }

// Seq returns the sequence number of the current item.
func (c *Cursor[T]) Seq() int64 { return c.seq }

// Head returns the upper bound captured when the cursor was opened.
func (c *Cursor[T]) Head() int64 { return c.head }

// Err returns the first fetch error.
func (c *Cursor[T]) Err() error { return c.err }

// Collect drains the cursor.
func Collect[T any](ctx context.Context, c *Cursor[T]) ([]T, error) {
	var out []T
	for c.Next(ctx) {
		out = append(out, c.Value())
	}
	return out, c.Err()
}
