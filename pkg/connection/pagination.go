package connection

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/lucid-vigil/fleet/pkg/errors"
	"github.com/tidwall/gjson"
)

// Style selects how a Pager moves from one page to the next.
type Style string

const (
	StyleNone   Style = "none"   // single request
	StylePage   Style = "page"   // page number parameter
	StyleOffset Style = "offset" // record offset parameter
	StyleCursor Style = "cursor" // opaque cursor taken from the response
	StyleLink   Style = "link"   // next URL taken from the response
)

// Pager describes the pagination contract of one endpoint. Zero values fall
// back to common defaults.
type Pager struct {
	Style       Style
	PageParam   string // page number parameter, default "page"
	SizeParam   string // page size parameter, default "limit"
	PageSize    int    // default 100
	StartPage   int    // number of the first page
	OffsetParam string // default "offset"
	CursorParam string // default "cursor"
	CursorPath  string // gjson path of the next cursor
	NextPath    string // gjson path of the next page URL
	RecordsPath string // gjson path of the record array, empty for a bare array
	TotalPath   string // gjson path of the total record count
	MaxPages    int    // 0 means unlimited
}

// RecordFunc receives the records of one page.
type RecordFunc func(records []gjson.Result) error

func (p Pager) withDefaults() Pager {
	if p.Style == "" {
		p.Style = StyleNone
	}
	if p.PageParam == "" {
		p.PageParam = "page"
	}
	if p.SizeParam == "" {
		p.SizeParam = "limit"
	}
	if p.PageSize <= 0 {
		p.PageSize = 100
	}
	if p.OffsetParam == "" {
		p.OffsetParam = "offset"
	}
	if p.CursorParam == "" {
		p.CursorParam = "cursor"
	}
	return p
}

// Validate checks that the paths a style depends on are set.
func (p Pager) Validate() error {
	switch p.Style {
	case "", StyleNone, StylePage, StyleOffset:
	case StyleCursor:
		if p.CursorPath == "" {
			return fmt.Errorf("cursor pagination needs a cursor path")
		}
	case StyleLink:
		if p.NextPath == "" {
			return fmt.Errorf("link pagination needs a next path")
		}
	default:
		return fmt.Errorf("unknown pagination style %q", p.Style)
	}
	return nil
}

// Records extracts the record array from a page body.
func (p Pager) Records(body gjson.Result) []gjson.Result {
	list := body
	if p.RecordsPath != "" {
		list = body.Get(p.RecordsPath)
	}
	if !list.Exists() {
		return nil
	}
	if list.IsArray() {
		return list.Array()
	}
	return []gjson.Result{list}
}

// Paginate walks the endpoint page by page and hands each page's records
// to fn. It stops on an empty page, a short page, once the reported total
// is reached, when the cursor or next link is missing or repeats, or after
// MaxPages. It returns the number of records delivered.
func (p Pager) Paginate(ctx context.Context, client *RESTClient, path string, query url.Values, fn RecordFunc) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	p = p.withDefaults()

	total := 0
	page := p.StartPage
	offset := 0
	cursor := ""
	next := path
	seen := make(map[string]bool)

	for pages := 0; p.MaxPages == 0 || pages < p.MaxPages; pages++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		reqPath := path
		q := cloneValues(query)
		switch p.Style {
		case StylePage:
			q.Set(p.PageParam, strconv.Itoa(page))
			q.Set(p.SizeParam, strconv.Itoa(p.PageSize))
		case StyleOffset:
			q.Set(p.OffsetParam, strconv.Itoa(offset))
			q.Set(p.SizeParam, strconv.Itoa(p.PageSize))
		case StyleCursor:
			if cursor != "" {
				q.Set(p.CursorParam, cursor)
			}
			q.Set(p.SizeParam, strconv.Itoa(p.PageSize))
		case StyleLink:
			reqPath = next
			if pages > 0 {
				q = nil // the next link carries its own query
			}
		}

		body, err := client.GetJSON(ctx, reqPath, q)
		if err != nil {
			return total, errors.NewPaginationError(client.BaseURL, pages+1, err)
		}

		records := p.Records(body)
		if len(records) == 0 {
			return total, nil
		}
		if err := fn(records); err != nil {
			return total, err
		}
		total += len(records)

		switch p.Style {
		case StyleNone:
			return total, nil

		case StylePage, StyleOffset:
			if len(records) < p.PageSize {
				return total, nil
			}
			if p.TotalPath != "" {
				if reported := body.Get(p.TotalPath); reported.Exists() && total >= int(reported.Int()) {
					return total, nil
				}
			}
			page++
			offset += len(records)

		case StyleCursor:
			cursor = body.Get(p.CursorPath).String()
			if cursor == "" || seen[cursor] {
				return total, nil
			}
			seen[cursor] = true

		case StyleLink:
			next = body.Get(p.NextPath).String()
			if next == "" || seen[next] {
				return total, nil
			}
			seen[next] = true
		}
	}

	client.logger.Warn().
		Str("path", path).
		Int("max_pages", p.MaxPages).
		Msg("Stopped paginating at page limit")
	return total, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
