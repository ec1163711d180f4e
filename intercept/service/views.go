package service

import (
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/go-appsec/interceptor/intercept/service/alerts"
	"github.com/go-appsec/interceptor/intercept/service/db"
	"github.com/go-appsec/interceptor/intercept/service/history"
)

// MessageView is the caller representation of a stored exchange.
type MessageView struct {
	ID             int64  `json:"id"`
	Type           int    `json:"type"`
	TypeName       string `json:"type_name"`
	Timestamp      string `json:"timestamp"`
	RTT            int64  `json:"rtt"`
	Method         string `json:"method"`
	URL            string `json:"url"`
	Status         int    `json:"status,omitempty"`
	RequestHeader  string `json:"request_header"`
	RequestBody    string `json:"request_body"`
	ResponseHeader string `json:"response_header"`
	ResponseBody   string `json:"response_body"`
}

func newMessageView(rec *history.Record) MessageView {
	ex := rec.Exchange
	v := MessageView{
		ID:            rec.ID,
		Type:          int(rec.Type),
		TypeName:      rec.Type.String(),
		Timestamp:     ex.Timestamp.UTC().Format(time.RFC3339Nano),
		RTT:           ex.Duration.Milliseconds(),
		Method:        ex.Request.Method,
		URL:           ex.Request.URI,
		RequestHeader: ex.Request.HeaderText(),
		RequestBody:   bodyText(ex.Request.Body),
	}
	if ex.Response != nil {
		v.Status = ex.Response.StatusCode
		v.ResponseHeader = ex.Response.HeaderText()
		v.ResponseBody = bodyText(ex.Response.DecodedBody())
	}
	return v
}

// bodyText returns body as text, or "<BINARY:N Bytes>" for non-UTF-8 content.
func bodyText(body []byte) string {
	if !utf8.Valid(body) {
		return "<BINARY:" + strconv.Itoa(len(body)) + " Bytes>"
	}
	return string(body)
}

// AlertView is the caller representation of a finding.
type AlertView struct {
	ID           int64  `json:"id"`
	PluginID     int    `json:"pluginId"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Risk         string `json:"risk"`
	RiskID       int    `json:"riskId"`
	Confidence   string `json:"confidence"`
	ConfidenceID int    `json:"confidenceId"`
	URL          string `json:"url"`
	Method       string `json:"method"`
	Other        string `json:"other"`
	Param        string `json:"param"`
	Attack       string `json:"attack"`
	Evidence     string `json:"evidence"`
	Reference    string `json:"reference"`
	CWEID        int    `json:"cweid"`
	WASCID       int    `json:"wascid"`
	SourceID     int    `json:"sourceid"`
	Solution     string `json:"solution"`
	MessageID    string `json:"messageId"`
}

func newAlertView(a *alerts.Alert) AlertView {
	v := AlertView{
		ID:           a.ID,
		PluginID:     a.PluginID,
		Name:         a.Name,
		Description:  a.Description,
		Risk:         a.Risk.String(),
		RiskID:       int(a.Risk),
		Confidence:   a.Confidence.String(),
		ConfidenceID: int(a.Confidence),
		URL:          a.URI,
		Method:       a.Method,
		Other:        a.Other,
		Param:        a.Param,
		Attack:       a.Attack,
		Evidence:     a.Evidence,
		Reference:    a.Reference,
		CWEID:        a.CWEID,
		WASCID:       a.WASCID,
		SourceID:     a.SourceID,
		Solution:     a.Solution,
	}
	if a.HistoryID > 0 {
		v.MessageID = strconv.FormatInt(a.HistoryID, 10)
	}
	return v
}

// SessionView describes the open session.
type SessionView struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Path      string `json:"path,omitempty"`
	Unnamed   bool   `json:"unnamed"`
	CreatedAt string `json:"created_at"`
}

func newSessionView(info db.Info) SessionView {
	v := SessionView{ID: info.ID, Name: info.Name, Unnamed: info.Unnamed}
	if !info.Unnamed {
		v.Path = info.Path
	}
	if !info.CreatedAt.IsZero() {
		v.CreatedAt = info.CreatedAt.UTC().Format(time.RFC3339)
	}
	return v
}
