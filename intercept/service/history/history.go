// Package history exposes read-oriented, paginated access to the persisted
// log of HTTP exchanges.
package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/paginate"
	"github.com/go-appsec/interceptor/intercept/service/proxy"
)

// Type distinguishes how an exchange entered the history.
type Type int

const (
	TypeTemporary Type = 0
	TypeProxied   Type = 1
	TypeUser      Type = 15
)

func (t Type) String() string {
	switch t {
	case TypeTemporary:
		return "temporary"
	case TypeProxied:
		return "proxied"
	case TypeUser:
		return "user"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// Record is a persisted exchange.
type Record struct {
	ID        int64
	SessionID string
	Type      Type
	Exchange  *proxy.Exchange
}

// Log is the append-only persistence backend.
type Log interface {
	// Append persists ex and returns its newly assigned, monotonically increasing id.
	Append(ctx context.Context, sessionID string, typ Type, ex *proxy.Exchange) (int64, error)
	// Read returns the record for id, or nil without error when absent.
	Read(ctx context.Context, id int64) (*Record, error)
	// IDsExcludingType returns ascending ids of the session's records whose type is not excluded.
	IDsExcludingType(ctx context.Context, sessionID string, excluded Type) ([]int64, error)
	// Delete removes the given records.
	Delete(ctx context.Context, ids ...int64) error
}

// Store is the history façade used by the dispatcher and the query operations.
type Store struct {
	log       Log
	sessionID func() string
}

// NewStore creates a store over log. sessionID returns the id of the open session.
func NewStore(log Log, sessionID func() string) *Store {
	return &Store{log: log, sessionID: sessionID}
}

// Persist appends ex to the open session and returns the stored record.
func (s *Store) Persist(ctx context.Context, typ Type, ex *proxy.Exchange) (*Record, error) {
	sid := s.sessionID()
	id, err := s.log.Append(ctx, sid, typ, ex)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("persist exchange: %w", err))
	}
	return &Record{ID: id, SessionID: sid, Type: typ, Exchange: ex}, nil
}

// Get returns the record for id. Absent and temporary records are not found.
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	rec, err := s.log.Read(ctx, id)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("read record %d: %w", id, err))
	} else if rec == nil || rec.Type == TypeTemporary {
		return nil, apierr.NotFound(strconv.FormatInt(id, 10))
	}
	return rec, nil
}

// GetBatch returns the records for ids in the given order, failing on the first missing id.
func (s *Store) GetBatch(ctx context.Context, ids []int64) ([]*Record, error) {
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// List iterates the open session's non-temporary, non-image records in ascending
// id order, filtered by URI prefix when baseURL is set, windowed by start and count.
// Each call reads afresh; the sequence is not restartable.
func (s *Store) List(ctx context.Context, baseURL string, start, count int) iter.Seq2[*Record, error] {
	return paginate.Apply2(s.filtered(ctx, baseURL), start, count)
}

// Count returns the number of records List would produce without a window.
func (s *Store) Count(ctx context.Context, baseURL string) (int, error) {
	var n int
	for _, err := range s.filtered(ctx, baseURL) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Delete removes records, used when a site tree node is purged.
func (s *Store) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.log.Delete(ctx, ids...); err != nil {
		return apierr.Internal(fmt.Errorf("delete records: %w", err))
	}
	return nil
}

func (s *Store) filtered(ctx context.Context, baseURL string) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		ids, err := s.log.IDsExcludingType(ctx, s.sessionID(), TypeTemporary)
		if err != nil {
			yield(nil, apierr.Internal(fmt.Errorf("list record ids: %w", err)))
			return
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			rec, err := s.log.Read(ctx, id)
			if err != nil {
				if !yield(nil, apierr.Internal(fmt.Errorf("read record %d: %w", id, err))) {
					return
				}
				continue
			} else if rec == nil {
				continue // removed since ids were read
			}
			ex := rec.Exchange
			if ex == nil || ex.Request == nil || ex.IsImage() {
				continue
			} else if baseURL != "" && !strings.HasPrefix(ex.Request.URI, baseURL) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// ParseIDs parses a comma separated id list.
func ParseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, apierr.Illegal("ids")
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, apierr.Missing("ids")
	}
	return ids, nil
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, apierr.ErrNotFound)
}
