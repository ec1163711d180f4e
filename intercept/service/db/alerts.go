package db

import (
	"context"

	"github.com/go-appsec/interceptor/intercept/service/alerts"
)

type alertRow struct {
	ID          int64 `gorm:"primaryKey;autoIncrement"`
	PluginID    int
	Name        string
	Description string
	Risk        int `gorm:"index"`
	Confidence  int
	URI         string
	Method      string `gorm:"size:16"`
	Param       string
	Attack      string
	Evidence    string
	Other       string
	Reference   string
	Solution    string
	CWEID       int
	WASCID      int
	SourceID    int
	HistoryID   int64 `gorm:"index"`
}

func (alertRow) TableName() string { return "alert" }

func toAlertRow(a *alerts.Alert) alertRow {
	return alertRow{
		PluginID:    a.PluginID,
		Name:        a.Name,
		Description: a.Description,
		Risk:        int(a.Risk),
		Confidence:  int(a.Confidence),
		URI:         a.URI,
		Method:      a.Method,
		Param:       a.Param,
		Attack:      a.Attack,
		Evidence:    a.Evidence,
		Other:       a.Other,
		Reference:   a.Reference,
		Solution:    a.Solution,
		CWEID:       a.CWEID,
		WASCID:      a.WASCID,
		SourceID:    a.SourceID,
		HistoryID:   a.HistoryID,
	}
}

func (r alertRow) alert() *alerts.Alert {
	return &alerts.Alert{
		ID:          r.ID,
		PluginID:    r.PluginID,
		Name:        r.Name,
		Description: r.Description,
		Risk:        alerts.Risk(r.Risk),
		Confidence:  alerts.Confidence(r.Confidence),
		URI:         r.URI,
		Method:      r.Method,
		Param:       r.Param,
		Attack:      r.Attack,
		Evidence:    r.Evidence,
		Other:       r.Other,
		Reference:   r.Reference,
		Solution:    r.Solution,
		CWEID:       r.CWEID,
		WASCID:      r.WASCID,
		SourceID:    r.SourceID,
		HistoryID:   r.HistoryID,
	}
}

// AlertLog is the SQLite-backed alerts.Log.
type AlertLog struct {
	db *DB
}

// Alerts returns the finding log of the open session.
func (d *DB) Alerts() *AlertLog {
	return &AlertLog{db: d}
}

func (l *AlertLog) Append(ctx context.Context, a *alerts.Alert) (int64, error) {
	gdb, release, err := l.db.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	row := toAlertRow(a)
	if err := gdb.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (l *AlertLog) Read(ctx context.Context, id int64) (*alerts.Alert, error) {
	gdb, release, err := l.db.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	var rows []alertRow
	if err := gdb.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	} else if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].alert(), nil
}

func (l *AlertLog) IDs(ctx context.Context) ([]int64, error) {
	gdb, release, err := l.db.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	var ids []int64
	err = gdb.WithContext(ctx).Model(&alertRow{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}

func (l *AlertLog) Delete(ctx context.Context, id int64) error {
	gdb, release, err := l.db.acquire()
	if err != nil {
		return err
	}
	defer release()
	return gdb.WithContext(ctx).Delete(&alertRow{}, id).Error
}

func (l *AlertLog) DeleteAll(ctx context.Context) error {
	gdb, release, err := l.db.acquire()
	if err != nil {
		return err
	}
	defer release()
	return gdb.WithContext(ctx).Where("1 = 1").Delete(&alertRow{}).Error
}

// ByHistory returns the ids of findings raised against the given history records.
func (l *AlertLog) ByHistory(ctx context.Context, historyIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64)
	if len(historyIDs) == 0 {
		return out, nil
	}
	gdb, release, err := l.db.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	var rows []alertRow
	if err := gdb.WithContext(ctx).Select("id", "history_id").Where("history_id IN ?", historyIDs).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.HistoryID] = append(out[r.HistoryID], r.ID)
	}
	return out, nil
}
