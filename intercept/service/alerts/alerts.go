// Package alerts stores security findings attached to recorded exchanges.
package alerts

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/paginate"
)

// Risk is the severity of a finding.
type Risk int

const (
	RiskInfo Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
)

var riskLabels = [...]string{"Informational", "Low", "Medium", "High"}

func (r Risk) String() string {
	if r < RiskInfo || r > RiskHigh {
		return "Risk(" + strconv.Itoa(int(r)) + ")"
	}
	return riskLabels[r]
}

// Valid reports whether r is one of the defined levels.
func (r Risk) Valid() bool {
	return r >= RiskInfo && r <= RiskHigh
}

// Confidence is how certain the finding is.
type Confidence int

const (
	ConfidenceFalsePositive Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
	ConfidenceUserConfirmed
)

var confidenceLabels = [...]string{"False Positive", "Low", "Medium", "High", "Confirmed"}

func (c Confidence) String() string {
	if c < ConfidenceFalsePositive || c > ConfidenceUserConfirmed {
		return "Confidence(" + strconv.Itoa(int(c)) + ")"
	}
	return confidenceLabels[c]
}

// Alert is a finding. Two alerts equal in every field except ID are duplicates.
type Alert struct {
	ID          int64
	PluginID    int
	Name        string
	Description string
	Risk        Risk
	Confidence  Confidence
	URI         string
	Method      string
	Param       string
	Attack      string
	Evidence    string
	Other       string
	Reference   string
	Solution    string
	CWEID       int
	WASCID      int
	SourceID    int
	HistoryID   int64
}

// Log is the finding persistence backend.
type Log interface {
	// Append stores a and returns its assigned id.
	Append(ctx context.Context, a *Alert) (int64, error)
	// Read returns the finding for id, or nil without error when absent.
	Read(ctx context.Context, id int64) (*Alert, error)
	// IDs returns every finding id in ascending order.
	IDs(ctx context.Context) ([]int64, error)
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) error
}

// TreeRefs maintains the per node finding references of the site tree.
type TreeRefs interface {
	AddAlert(historyID, alertID int64) bool
	RemoveAlert(alertID int64)
	ClearAlerts()
}

// Summary holds finding counts per risk level.
type Summary struct {
	High          int `json:"High"`
	Medium        int `json:"Medium"`
	Low           int `json:"Low"`
	Informational int `json:"Informational"`
}

func (s *Summary) add(r Risk) {
	switch r {
	case RiskHigh:
		s.High++
	case RiskMedium:
		s.Medium++
	case RiskLow:
		s.Low++
	case RiskInfo:
		s.Informational++
	}
}

// Store is the finding façade.
type Store struct {
	log    Log
	tree   TreeRefs
	logger zerolog.Logger
}

// NewStore creates a store persisting to log and keeping tree references in sync.
func NewStore(log Log, tree TreeRefs, logger zerolog.Logger) *Store {
	return &Store{log: log, tree: tree, logger: logger}
}

// Add persists a and links it to the tree node owning its history record.
func (s *Store) Add(ctx context.Context, a *Alert) (int64, error) {
	if a == nil {
		return 0, apierr.Missing("alert")
	} else if !a.Risk.Valid() {
		return 0, apierr.Illegal("risk")
	} else if a.Confidence < ConfidenceFalsePositive || a.Confidence > ConfidenceUserConfirmed {
		return 0, apierr.Illegal("confidence")
	}
	id, err := s.log.Append(ctx, a)
	if err != nil {
		return 0, apierr.Internal(fmt.Errorf("store alert: %w", err))
	}
	a.ID = id
	if a.HistoryID > 0 && s.tree != nil && !s.tree.AddAlert(a.HistoryID, id) {
		s.logger.Debug().Int64("alert", id).Int64("history", a.HistoryID).Msg("alert history not in site tree")
	}
	return id, nil
}

// Get returns the finding for id.
func (s *Store) Get(ctx context.Context, id int64) (*Alert, error) {
	a, err := s.log.Read(ctx, id)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("read alert %d: %w", id, err))
	} else if a == nil {
		return nil, apierr.NotFound(strconv.FormatInt(id, 10))
	}
	return a, nil
}

// List iterates findings in ascending id order, skipping false positives and
// structural duplicates, filtered by URI prefix and optional risk, then windowed.
func (s *Store) List(ctx context.Context, baseURL string, start, count int, risk *Risk) iter.Seq2[*Alert, error] {
	return paginate.Apply2(s.filtered(ctx, baseURL, risk), start, count)
}

// Count returns the number of findings List would produce without a window.
func (s *Store) Count(ctx context.Context, baseURL string, risk *Risk) (int, error) {
	var n int
	for _, err := range s.filtered(ctx, baseURL, risk) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// Summarize counts the visible findings per risk level.
func (s *Store) Summarize(ctx context.Context, baseURL string) (Summary, error) {
	var sum Summary
	for a, err := range s.filtered(ctx, baseURL, nil) {
		if err != nil {
			return Summary{}, err
		}
		sum.add(a.Risk)
	}
	return sum, nil
}

// Delete removes the finding and every tree reference to it.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.log.Delete(ctx, id); err != nil {
		return apierr.Internal(fmt.Errorf("delete alert %d: %w", id, err))
	}
	if s.tree != nil {
		s.tree.RemoveAlert(id)
	}
	return nil
}

// DeleteAll removes every finding and clears all tree references.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.log.DeleteAll(ctx); err != nil {
		return apierr.Internal(fmt.Errorf("delete alerts: %w", err))
	}
	if s.tree != nil {
		s.tree.ClearAlerts()
	}
	return nil
}

func (s *Store) filtered(ctx context.Context, baseURL string, risk *Risk) iter.Seq2[*Alert, error] {
	return func(yield func(*Alert, error) bool) {
		ids, err := s.log.IDs(ctx)
		if err != nil {
			yield(nil, apierr.Internal(fmt.Errorf("list alert ids: %w", err)))
			return
		}
		seen := make(map[Alert]struct{}, len(ids))
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			a, err := s.log.Read(ctx, id)
			if err != nil {
				if !yield(nil, apierr.Internal(fmt.Errorf("read alert %d: %w", id, err))) {
					return
				}
				continue
			} else if a == nil || a.Confidence == ConfidenceFalsePositive {
				continue
			}
			key := *a
			key.ID = 0
			if _, dup := seen[key]; dup {
				continue
			} else if baseURL != "" && !strings.HasPrefix(a.URI, baseURL) {
				continue
			} else if risk != nil && a.Risk != *risk {
				continue
			}
			seen[key] = struct{}{}
			if !yield(a, nil) {
				return
			}
		}
	}
}

// ParseRiskID parses the optional risk filter. Empty means no filter.
func ParseRiskID(s string) (*Risk, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Risk(n).Valid() {
		return nil, apierr.Illegalf("Parameter riskId is not a valid risk ID (integer in interval [%d, %d]).", int(RiskInfo), int(RiskHigh))
	}
	r := Risk(n)
	return &r, nil
}
