// Package pagination drives a SourceSpec's HTTP pagination strategy
// (spec.md §4.C6): it issues one httpfetch.Client.FetchSync per page, bounds
// in-flight pages to a configured concurrency, rate-limits outbound
// requests the way gidari's internal/transport package configures
// golang.org/x/time/rate around an API client, and emits a single
// order-preserving row stream plus a running model.FetchStats.
package pagination

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"

	"golang.org/x/time/rate"

	"apitap/internal/httpfetch"
	"apitap/internal/model"
)

// Driver paginates one SourceSpec against a shared httpfetch.Client.
type Driver struct {
	Client *httpfetch.Client
}

// NewDriver builds a Driver over an existing httpfetch.Client, shared
// across sources the way spec.md §5 describes connection pooling.
func NewDriver(client *httpfetch.Client) *Driver {
	return &Driver{Client: client}
}

// Run paginates src starting at baseQuery, bounding concurrent in-flight
// pages to src.Concurrency (default 1, sequential) and optionally
// rate-limiting requests to src.RateLimitPerSecond. It returns a single
// row stream in page order (spec.md I5: pages race internally but rows
// are re-sequenced before emission) and a *model.FetchStats updated as
// pages complete; the stats pointer is safe to read only after the
// returned channel is closed.
func (d *Driver) Run(ctx context.Context, src model.SourceSpec) (<-chan httpfetch.Item, *model.FetchStats) {
	stats := &model.FetchStats{}
	out := make(chan httpfetch.Item, 64)

	var limiter *rate.Limiter
	if src.RateLimitPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(src.RateLimitPerSecond), maxBurst(src.RateLimitPerSecond))
	}

	go func() {
		defer close(out)

		switch src.Pagination.Kind {
		case model.PaginationLimitOffset, model.PaginationPageNumber, model.PaginationPageOnly:
			d.runSequentialByCount(ctx, src, limiter, stats, out)
		case model.PaginationCursor:
			d.runCursor(ctx, src, limiter, stats, out)
		default:
			out <- httpfetch.Item{Err: fmt.Errorf("%w: unknown pagination kind %q", model.ErrConfigInvalid, src.Pagination.Kind)}
		}
	}()

	return out, stats
}

func maxBurst(perSecond float64) int {
	b := int(perSecond)
	if b < 1 {
		b = 1
	}
	return b
}

// runSequentialByCount drives LimitOffset, PageNumber, and PageOnly, which
// share the same "fetch page N, stop when it returns fewer than a page's
// worth of rows" termination rule. Pagination.TotalPath is not read: a
// total-pages or total-items field in the response neither schedules nor
// ends pages. Up to src.Concurrency pages are in flight at once, but
// the pages' rows are re-sequenced into page order before emission so a
// consumer never observes page K+1's rows ahead of page K's.
func (d *Driver) runSequentialByCount(ctx context.Context, src model.SourceSpec, limiter *rate.Limiter, stats *model.FetchStats, out chan<- httpfetch.Item) {
	concurrency := src.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	pageSize := src.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	type pageResult struct {
		rows []model.Row
		err  error
		last bool
	}

	sem := make(chan struct{}, concurrency)
	// pages is a channel of per-page result channels, sent in fetch order:
	// the consumer below reads them in that same order, so results are
	// re-sequenced into page order even though fetchPage runs concurrently
	// (spec.md I5). Capacity concurrency+1 lets the dispatcher stay one
	// page ahead of the in-flight bound without blocking on send.
	pages := make(chan chan pageResult, concurrency+1)
	var stopped atomic.Bool

	fetchPage := func(page int, resultCh chan pageResult) {
		defer func() { <-sem }()

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				resultCh <- pageResult{err: fmt.Errorf("%w: %w", model.ErrCancelled, err)}
				return
			}
		}

		query := pageQuery(src.Pagination, page, pageSize)
		rows, _, err := d.Client.FetchSync(ctx, src.BaseURL, query, src.DataPath, src.Retry)
		resultCh <- pageResult{rows: rows, err: err, last: err == nil && len(rows) < pageSize}
	}

	go func() {
		defer close(pages)
		for page := firstPageIndex(src.Pagination); !stopped.Load(); page++ {
			select {
			case <-ctx.Done():
				resultCh := make(chan pageResult, 1)
				resultCh <- pageResult{err: fmt.Errorf("%w: %w", model.ErrCancelled, ctx.Err())}
				pages <- resultCh
				return
			case sem <- struct{}{}:
			}
			resultCh := make(chan pageResult, 1)
			pages <- resultCh
			go fetchPage(page, resultCh)
		}
	}()

	// finished becomes true once a terminal page (error or short page) has
	// been emitted; the loop keeps draining pages afterward, discarding
	// results, so the dispatcher (which only notices stopped at the top of
	// its own loop) always has a reader and can exit instead of leaking.
	finished := false
	for resultCh := range pages {
		r := <-resultCh
		if finished {
			continue
		}

		stats.PagesFetched++
		if r.err != nil {
			stats.Errors++
			stopped.Store(true)
			finished = true
			out <- httpfetch.Item{Err: r.err}
			continue
		}
		for _, row := range r.rows {
			stats.RowsEmitted++
			out <- httpfetch.Item{Row: row}
		}
		if r.last {
			stopped.Store(true)
			finished = true
		}
	}
}

// runCursor drives the Cursor strategy, which is inherently sequential:
// each page's request depends on the previous page's next_cursor_path
// value, so no concurrency bound applies (spec.md §4.C6 "Cursor pagination
// cannot be parallelized across pages").
func (d *Driver) runCursor(ctx context.Context, src model.SourceSpec, limiter *rate.Limiter, stats *model.FetchStats, out chan<- httpfetch.Item) {
	cursor := ""
	for {
		select {
		case <-ctx.Done():
			out <- httpfetch.Item{Err: fmt.Errorf("%w: %w", model.ErrCancelled, ctx.Err())}
			return
		default:
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				out <- httpfetch.Item{Err: fmt.Errorf("%w: %w", model.ErrCancelled, err)}
				return
			}
		}

		query := url.Values{}
		if cursor != "" {
			query.Set(src.Pagination.CursorParam, cursor)
		}
		if src.Pagination.PageSizeParam != "" && src.Pagination.PageSize > 0 {
			query.Set(src.Pagination.PageSizeParam, strconv.Itoa(src.Pagination.PageSize))
		}

		rows, envelope, err := d.Client.FetchSync(ctx, src.BaseURL, query, src.DataPath, src.Retry)
		stats.PagesFetched++
		if err != nil {
			stats.Errors++
			out <- httpfetch.Item{Err: err}
			return
		}
		for _, row := range rows {
			stats.RowsEmitted++
			out <- httpfetch.Item{Row: row}
		}

		nextCursor, _ := nextCursorValue(envelope, src.Pagination.NextCursorPath)
		if nextCursor == "" || len(rows) == 0 {
			return
		}
		cursor = nextCursor
	}
}

// nextCursorValue extracts the next_cursor_path field from a page's
// response envelope (spec.md §4.C6 Cursor), returning "" when the field
// is absent, null, or not a string (spec.md §9 open question (b): an
// empty next cursor terminates pagination the same as a missing one).
func nextCursorValue(envelope any, path string) (string, bool) {
	v, ok := httpfetch.PointerValue(envelope, path)
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func pageQuery(p model.PaginationSpec, page, pageSize int) url.Values {
	q := url.Values{}
	switch p.Kind {
	case model.PaginationLimitOffset:
		q.Set(p.LimitParam, strconv.Itoa(pageSize))
		q.Set(p.OffsetParam, strconv.Itoa(page*pageSize))
	case model.PaginationPageNumber:
		q.Set(p.PageParam, strconv.Itoa(page+1))
		if p.PerPageParam != "" {
			q.Set(p.PerPageParam, strconv.Itoa(pageSize))
		}
	case model.PaginationPageOnly:
		q.Set(p.PageParam, strconv.Itoa(page+1))
	}
	return q
}

func firstPageIndex(model.PaginationSpec) int { return 0 }
