package db

import (
	"context"
	"fmt"
	"time"

	"github.com/go-appsec/interceptor/intercept/service/history"
	"github.com/go-appsec/interceptor/intercept/service/proxy"
	"github.com/go-appsec/interceptor/intercept/service/store"
)

type historyRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"size:36;index:idx_history_session"`
	HistType  int    `gorm:"index"`
	Method    string `gorm:"size:16"`
	URI       string
	Status    int
	CreatedAt time.Time
	Exchange  []byte
}

func (historyRow) TableName() string { return "history" }

// HistoryLog is the SQLite-backed history.Log.
type HistoryLog struct {
	db *DB
}

// History returns the history log of the open session.
func (d *DB) History() *HistoryLog {
	return &HistoryLog{db: d}
}

func (l *HistoryLog) Append(ctx context.Context, sessionID string, typ history.Type, ex *proxy.Exchange) (int64, error) {
	gdb, release, err := l.db.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	data, err := store.Serialize(ex)
	if err != nil {
		return 0, fmt.Errorf("encode exchange: %w", err)
	}
	row := historyRow{
		SessionID: sessionID,
		HistType:  int(typ),
		CreatedAt: ex.Timestamp,
		Exchange:  data,
	}
	if ex.Request != nil {
		row.Method, row.URI = ex.Request.Method, ex.Request.URI
	}
	if ex.Response != nil {
		row.Status = ex.Response.StatusCode
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if err := gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (l *HistoryLog) Read(ctx context.Context, id int64) (*history.Record, error) {
	gdb, release, err := l.db.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	var rows []historyRow
	if err := gdb.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	} else if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	var ex proxy.Exchange
	if err := store.Deserialize(row.Exchange, &ex); err != nil {
		return nil, fmt.Errorf("decode exchange %d: %w", id, err)
	}
	return &history.Record{
		ID:        row.ID,
		SessionID: row.SessionID,
		Type:      history.Type(row.HistType),
		Exchange:  &ex,
	}, nil
}

func (l *HistoryLog) IDsExcludingType(ctx context.Context, sessionID string, excluded history.Type) ([]int64, error) {
	gdb, release, err := l.db.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	var ids []int64
	err = gdb.WithContext(ctx).Model(&historyRow{}).
		Where("session_id = ? AND hist_type <> ?", sessionID, int(excluded)).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

func (l *HistoryLog) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	gdb, release, err := l.db.acquire()
	if err != nil {
		return err
	}
	defer release()
	return gdb.WithContext(ctx).Where("id IN ?", ids).Delete(&historyRow{}).Error
}

// All returns every record of the session in id order, used to rebuild the site tree.
func (l *HistoryLog) All(ctx context.Context, sessionID string) ([]*history.Record, error) {
	ids, err := l.IDsExcludingType(ctx, sessionID, history.TypeTemporary)
	if err != nil {
		return nil, err
	}
	recs := make([]*history.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := l.Read(ctx, id)
		if err != nil {
			return nil, err
		} else if rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}
