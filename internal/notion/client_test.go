package notion_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"capsule-go/internal/capsule"
	"capsule-go/internal/notion"
	"capsule-go/internal/syncerr"
)

const token = "secret_test"

func newClient(t *testing.T, h http.HandlerFunc) *notion.Client {
	t.Helper()
	c, _ := newServer(t, h)
	return c
}

// newServer starts a test server and returns a client pointed at it
// together with the server's URL.
func newServer(t *testing.T, h http.HandlerFunc) (*notion.Client, string) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := notion.New(notion.Config{Token: token, BaseURL: srv.URL, Timeout: 5 * time.Second}, capsule.NewNopLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, srv.URL
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

const pageJSON = `{
	"object": "page",
	"id": "p1",
	"created_time": "2025-02-01T10:00:00.000Z",
	"last_edited_time": "2025-03-01T09:00:00.000Z",
	"created_by": {"object": "user", "id": "u1"},
	"last_edited_by": {"object": "user", "id": "u2"},
	"parent": {"type": "workspace", "workspace": true},
	"url": "https://www.notion.so/Trip-p1",
	"archived": false,
	"icon": {"type": "emoji", "emoji": "🧭"},
	"cover": null,
	"properties": {
		"title": {"id": "title", "type": "title", "title": [{"plain_text": "Trip "}, {"plain_text": "plan"}]}
	}
}`

const rowJSON = `{
	"object": "page",
	"id": "r1",
	"created_time": "2025-02-01T10:00:00.000Z",
	"last_edited_time": "2025-03-02T09:00:00.000Z",
	"parent": {"type": "database_id", "database_id": "db1"},
	"properties": {
		"Name": {"type": "title", "title": [{"plain_text": "Row one"}]},
		"Status": {"type": "select", "select": {"name": "Doing"}},
		"Tags": {"type": "multi_select", "multi_select": [{"name": "a"}, {"name": "b"}]},
		"Done": {"type": "checkbox", "checkbox": true},
		"Due": {"type": "date", "date": {"start": "2025-03-10", "end": "2025-03-12"}},
		"Estimate": {"type": "number", "number": 3},
		"Empty": {"type": "select", "select": null},
		"Edited": {"type": "last_edited_time", "last_edited_time": "2025-03-02T09:00:00.000Z"},
		"Editor": {"type": "last_edited_by", "last_edited_by": {"id": "u2"}},
		"Ticket": {"type": "unique_id", "unique_id": {"prefix": "CAP", "number": 42}},
		"Files": {"type": "files", "files": [
			{"type": "file", "name": "a.png", "file": {"url": "https://prod-files-secure.s3.us-west-2.amazonaws.com/ws/a.png?X-Amz-Signature=abc"}}
		]}
	}
}`

func TestClient_SearchPages(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			t.Errorf("request = %s %s, want POST /search", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+token {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Notion-Version"); got != notion.DefaultVersion {
			t.Errorf("Notion-Version = %q", got)
		}
		var body struct {
			Filter      map[string]string `json:"filter"`
			PageSize    int               `json:"page_size"`
			StartCursor string            `json:"start_cursor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if body.Filter["value"] != "page" || body.PageSize != 100 || body.StartCursor != "c0" {
			t.Errorf("request body = %+v", body)
		}
		writeJSON(w, 200, `{"object": "list", "results": [`+pageJSON+`,`+rowJSON+`], "has_more": true, "next_cursor": "c1"}`)
	})

	page, err := c.SearchPages(context.Background(), "c0")
	if err != nil {
		t.Fatalf("SearchPages() error = %v", err)
	}
	if !page.HasMore || page.NextCursor != "c1" || len(page.Items) != 2 {
		t.Fatalf("SearchPages() = %+v", page)
	}

	p := page.Items[0]
	if p.Kind != capsule.KindPage || p.ParentKind != capsule.ParentWorkspace || p.Title != "Trip plan" {
		t.Errorf("page = %+v", p)
	}
	if want := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC); !p.LastEdited.Equal(want) {
		t.Errorf("page LastEdited = %v, want %v", p.LastEdited, want)
	}
	if p.Icon != "🧭" || p.CreatedBy != "u1" || p.LastEditedBy != "u2" {
		t.Errorf("page metadata = %+v", p)
	}

	row := page.Items[1]
	if row.Kind != capsule.KindRow || row.ParentID != "db1" || row.Title != "Row one" {
		t.Errorf("row = %+v", row)
	}
	props := row.Properties
	for name, want := range map[string]any{
		"Status":   "Doing",
		"Done":     true,
		"Due":      "2025-03-10 - 2025-03-12",
		"Estimate": 3.0,
		"Ticket":   "CAP-42",
	} {
		if props[name] != want {
			t.Errorf("property %s = %v, want %v", name, props[name], want)
		}
	}
	if tags, _ := props["Tags"].([]string); len(tags) != 2 || tags[1] != "b" {
		t.Errorf("property Tags = %v", props["Tags"])
	}
	if files, _ := props["Files"].([]string); len(files) != 1 || strings.Contains(files[0], "Signature") {
		t.Errorf("property Files = %v", props["Files"])
	}
	for _, name := range []string{"Empty", "Edited", "Editor"} {
		if _, ok := props[name]; ok {
			t.Errorf("property %s present, want omitted", name)
		}
	}
}

func TestClient_GetDatabase(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/databases/db1" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, 200, `{
			"object": "database",
			"id": "db1",
			"last_edited_time": "2025-03-01T09:00:00.000Z",
			"parent": {"type": "page_id", "page_id": "p1"},
			"title": [{"plain_text": "Tasks"}],
			"properties": {
				"Status": {"type": "select", "select": {"options": [{"name": "Todo"}, {"name": "Done"}]}},
				"Name": {"type": "title", "title": {}},
				"Due": {"type": "date", "date": {}}
			}
		}`)
	})

	db, err := c.GetDatabase(context.Background(), "db1")
	if err != nil {
		t.Fatalf("GetDatabase() error = %v", err)
	}
	if db.Kind != capsule.KindDatabase || db.Title != "Tasks" || db.ParentKind != capsule.ParentPage || db.ParentID != "p1" {
		t.Errorf("GetDatabase() = %+v", db)
	}
	want := []capsule.PropertySchema{
		{Name: "Due", Type: "date"},
		{Name: "Name", Type: "title"},
		{Name: "Status", Type: "select", Options: []string{"Todo", "Done"}},
	}
	if len(db.Schema) != len(want) {
		t.Fatalf("Schema = %+v, want %+v", db.Schema, want)
	}
	for i := range want {
		got := db.Schema[i]
		if got.Name != want[i].Name || got.Type != want[i].Type || strings.Join(got.Options, ",") != strings.Join(want[i].Options, ",") {
			t.Errorf("Schema[%d] = %+v, want %+v", i, got, want[i])
		}
	}
}

func TestClient_GetPageRejectsDatabase(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"object": "database", "id": "db1", "last_edited_time": "2025-03-01T09:00:00Z", "parent": {"type": "workspace"}}`)
	})
	_, err := c.GetPage(context.Background(), "db1")
	if syncerr.KindOf(err) != syncerr.Malformed {
		t.Errorf("GetPage() error = %v, want malformed", err)
	}
}

func TestClient_QueryDatabase(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/databases/db1/query" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, 200, `{"object": "list", "results": [`+rowJSON+`], "has_more": false, "next_cursor": null}`)
	})

	page, err := c.QueryDatabase(context.Background(), "db1", "")
	if err != nil {
		t.Fatalf("QueryDatabase() error = %v", err)
	}
	if page.HasMore || page.NextCursor != "" || len(page.Items) != 1 || page.Items[0].ID != "r1" {
		t.Errorf("QueryDatabase() = %+v", page)
	}
}

func TestClient_GetBlocks(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/blocks/p1/children" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("start_cursor"); got != "c1" {
			t.Errorf("start_cursor = %q", got)
		}
		writeJSON(w, 200, `{"object": "list", "has_more": false, "next_cursor": null, "results": [
			{"object": "block", "id": "b1", "type": "paragraph", "has_children": true,
			 "paragraph": {"rich_text": [{"plain_text": "hello"}]}},
			{"object": "block", "id": "b2", "type": "file", "has_children": false,
			 "file": {"type": "file", "name": "report.pdf", "caption": [],
			          "file": {"url": "https://prod-files-secure.s3.us-west-2.amazonaws.com/ws/b2/report.pdf?X-Amz-Signature=x", "expiry_time": "2025-03-01T10:00:00.000Z"}}},
			{"object": "block", "id": "b3", "type": "image", "has_children": false,
			 "image": {"type": "external", "caption": [], "external": {"url": "https://example.com/img/cat.png"}}},
			{"object": "block", "id": "c1", "type": "child_page", "has_children": true,
			 "child_page": {"title": "Sub"}}
		]}`)
	})

	page, err := c.GetBlocks(context.Background(), "p1", "c1")
	if err != nil {
		t.Fatalf("GetBlocks() error = %v", err)
	}
	if len(page.Items) != 4 {
		t.Fatalf("GetBlocks() returned %d blocks, want 4", len(page.Items))
	}

	para := page.Items[0]
	if para.Type != "paragraph" || !para.HasChildren || !strings.Contains(string(para.Data), "hello") {
		t.Errorf("paragraph = %+v", para)
	}
	file := page.Items[1].File
	if file == nil || !file.Hosted || file.Name != "report.pdf" {
		t.Errorf("file block File = %+v", file)
	}
	img := page.Items[2].File
	if img == nil || img.Hosted || img.Name != "cat.png" {
		t.Errorf("image block File = %+v", img)
	}
	if id, kind, ok := page.Items[3].ChildRef(); !ok || id != "c1" || kind != capsule.KindPage {
		t.Errorf("ChildRef() = %q, %q, %v", id, kind, ok)
	}
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		want       syncerr.Kind
		wantAfter  time.Duration
	}{
		{401, "", syncerr.Authentication, 0},
		{403, "", syncerr.PermissionDenied, 0},
		{404, "", syncerr.NotFound, 0},
		{429, "2", syncerr.RateLimited, 2 * time.Second},
		{429, "", syncerr.RateLimited, 0},
		{500, "", syncerr.Transient, 0},
		{502, "", syncerr.Transient, 0},
		{503, "1", syncerr.Transient, time.Second},
		{504, "", syncerr.Transient, 0},
		{400, "", syncerr.Malformed, 0},
		{409, "", syncerr.Malformed, 0},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				writeJSON(w, tt.status, `{"object": "error", "status": 0, "code": "some_code", "message": "went wrong"}`)
			})

			_, err := c.GetPage(context.Background(), "p1")
			if got := syncerr.KindOf(err); got != tt.want {
				t.Fatalf("KindOf(%v) = %v, want %v", err, got, tt.want)
			}
			if got := syncerr.RetryAfterOf(err); got != tt.wantAfter {
				t.Errorf("RetryAfterOf() = %v, want %v", got, tt.wantAfter)
			}
			var se *syncerr.Error
			if !errors.As(err, &se) || se.Status != tt.status || se.NodeID != "p1" {
				t.Errorf("error = %#v", err)
			}
			if !strings.Contains(err.Error(), "went wrong") {
				t.Errorf("error %q does not carry the API message", err)
			}
		})
	}
}

func TestClient_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"object": "page", `},
		{"missing id", `{"object": "page", "last_edited_time": "2025-03-01T09:00:00Z", "parent": {"type": "workspace"}}`},
		{"bad timestamp", `{"object": "page", "id": "p1", "last_edited_time": "yesterday", "parent": {"type": "workspace"}}`},
		{"unknown parent", `{"object": "page", "id": "p1", "last_edited_time": "2025-03-01T09:00:00Z", "parent": {"type": "space"}}`},
		{"wrong object", `{"object": "user", "id": "p1", "last_edited_time": "2025-03-01T09:00:00Z", "parent": {"type": "workspace"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, 200, tt.body)
			})
			_, err := c.GetPage(context.Background(), "p1")
			if syncerr.KindOf(err) != syncerr.Malformed {
				t.Errorf("GetPage() error = %v, want malformed", err)
			}
		})
	}

	t.Run("has_more without cursor", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, `{"object": "list", "results": [], "has_more": true, "next_cursor": null}`)
		})
		_, err := c.SearchDatabases(context.Background(), "")
		if syncerr.KindOf(err) != syncerr.Malformed {
			t.Errorf("SearchDatabases() error = %v, want malformed", err)
		}
	})

	t.Run("block without type", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, `{"object": "list", "results": [{"object": "block", "id": "b1"}], "has_more": false}`)
		})
		_, err := c.GetBlocks(context.Background(), "p1", "")
		if syncerr.KindOf(err) != syncerr.Malformed {
			t.Errorf("GetBlocks() error = %v, want malformed", err)
		}
	})
}

func TestClient_Download(t *testing.T) {
	c, base := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("download sent the integration token")
		}
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "file bytes")
	})
	data, err := c.Download(context.Background(), base+"/files/a.pdf?sig=1")
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(data) != "file bytes" {
		t.Errorf("Download() = %q", data)
	}

	if _, err := c.Download(context.Background(), base+"/missing"); syncerr.KindOf(err) != syncerr.NotFound {
		t.Errorf("Download(missing) error = %v, want not found", err)
	}
}

func TestClient_AppendBlocks(t *testing.T) {
	var got int
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/blocks/p1/children" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Children []map[string]any `json:"children"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		got = len(body.Children)
		writeJSON(w, 200, `{"object": "list", "results": [], "has_more": false}`)
	})

	blocks := []map[string]any{
		{"object": "block", "type": "divider", "divider": map[string]any{}},
		{"object": "block", "type": "divider", "divider": map[string]any{}},
	}
	if err := c.AppendBlocks(context.Background(), "p1", blocks); err != nil {
		t.Fatalf("AppendBlocks() error = %v", err)
	}
	if got != 2 {
		t.Errorf("server received %d blocks, want 2", got)
	}

	tooMany := make([]map[string]any, 101)
	if err := c.AppendBlocks(context.Background(), "p1", tooMany); err == nil {
		t.Error("AppendBlocks(101 blocks) error = nil, want error")
	}
}

func TestClient_Cancelled(t *testing.T) {
	release := make(chan struct{})
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.GetPage(ctx, "p1")
	if syncerr.KindOf(err) != syncerr.Cancelled {
		t.Errorf("GetPage() error = %v, want cancelled", err)
	}
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := notion.New(notion.Config{}, capsule.NewNopLogger())
	if syncerr.KindOf(err) != syncerr.Configuration {
		t.Errorf("New() error = %v, want configuration", err)
	}
}
