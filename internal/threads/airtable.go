package threads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	activeTable    = "Active Threads"
	completedTable = "Completed Threads"
)

// airtableStore talks to an Airtable-style tabular REST API: each table is a
// collection of records with server-assigned ids and a free-form fields
// object.
type airtableStore struct {
	baseURL string // e.g. https://api.airtable.com/v0/<base id>
	token   string
	client  *http.Client
}

func NewAirtableStore(baseURL, token string) Store {
	return &airtableStore{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type airtableRecord struct {
	ID     string            `json:"id,omitempty"`
	Fields map[string]string `json:"fields"`
}

type airtablePage struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset,omitempty"`
}

func (s *airtableStore) ListActive(ctx context.Context) ([]ThreadRecord, error) {
	return s.listAll(ctx, activeTable)
}

func (s *airtableStore) ListCompleted(ctx context.Context) ([]ThreadRecord, error) {
	return s.listAll(ctx, completedTable)
}

func (s *airtableStore) listAll(ctx context.Context, table string) ([]ThreadRecord, error) {
	var out []ThreadRecord
	offset := ""
	for {
		path := "/" + url.PathEscape(table)
		if offset != "" {
			path += "?offset=" + url.QueryEscape(offset)
		}
		var page airtablePage
		if err := s.call(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Records {
			rec, err := recordFromFields(raw)
			if err != nil {
				return nil, fmt.Errorf("table %q: %w", table, err)
			}
			out = append(out, rec)
		}
		if page.Offset == "" {
			return out, nil
		}
		offset = page.Offset
	}
}

func (s *airtableStore) CreateActive(ctx context.Context, rec ThreadRecord) (string, error) {
	return s.create(ctx, activeTable, rec)
}

func (s *airtableStore) CreateCompleted(ctx context.Context, rec ThreadRecord) (string, error) {
	return s.create(ctx, completedTable, rec)
}

func (s *airtableStore) create(ctx context.Context, table string, rec ThreadRecord) (string, error) {
	body := airtableRecord{Fields: map[string]string{
		"user_id":    rec.UserID,
		"channel":    rec.Channel,
		"thread_ts":  rec.ThreadTS,
		"message_ts": rec.MessageTS,
	}}
	var created airtableRecord
	if err := s.call(ctx, http.MethodPost, "/"+url.PathEscape(table), body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("store did not return a record id")
	}
	return created.ID, nil
}

func (s *airtableStore) TouchActive(ctx context.Context, recordID string, at time.Time) error {
	body := airtableRecord{Fields: map[string]string{
		"last_activity_at": at.Format("01/02/2006, 15:04:05"),
	}}
	path := "/" + url.PathEscape(activeTable) + "/" + url.PathEscape(recordID)
	return s.call(ctx, http.MethodPatch, path, body, nil)
}

func (s *airtableStore) DeleteActive(ctx context.Context, recordID string) error {
	return s.deleteRecord(ctx, activeTable, recordID)
}

func (s *airtableStore) DeleteCompleted(ctx context.Context, recordID string) error {
	return s.deleteRecord(ctx, completedTable, recordID)
}

func (s *airtableStore) deleteRecord(ctx context.Context, table, recordID string) error {
	path := "/" + url.PathEscape(table) + "/" + url.PathEscape(recordID)
	return s.call(ctx, http.MethodDelete, path, nil, nil)
}

func (s *airtableStore) call(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return errors.New("store api error: " + resp.Status + " body=" + string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// recordFromFields validates a raw store row. Rows missing their identity
// fields fail closed instead of turning into half-empty records.
func recordFromFields(raw airtableRecord) (ThreadRecord, error) {
	rec := ThreadRecord{
		UserID:    raw.Fields["user_id"],
		Channel:   raw.Fields["channel"],
		ThreadTS:  raw.Fields["thread_ts"],
		MessageTS: raw.Fields["message_ts"],
		RecordID:  raw.ID,
	}
	if rec.RecordID == "" {
		return ThreadRecord{}, errors.New("record has no id")
	}
	if rec.UserID == "" || rec.ThreadTS == "" {
		return ThreadRecord{}, fmt.Errorf("record %s is missing user_id or thread_ts", rec.RecordID)
	}
	return rec, nil
}
