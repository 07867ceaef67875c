package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newServer(t *testing.T, status int, contentType, reply string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.EscapedPath(), auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			assert.NoError(t, json.Unmarshal(data, &rec.body))
		}
		calls = append(calls, rec)
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRegisterDefaults(t *testing.T) {
	srv, calls := newServer(t, http.StatusCreated, "application/json", `{"id":1}`)
	c := NewClient(Options{BaseURL: srv.URL + "/", DefaultPassword: "0721"})

	res := c.Register(context.Background(), "Bearer tok", Registration{CN: " 小明 ", Direction: "动画", Year: "2023"})

	require.True(t, res.OK)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "小明", res.CN)
	assert.True(t, res.PasswordDefaulted)
	assert.Equal(t, map[string]any{"id": float64(1)}, res.Response)
	assert.Equal(t, "***", res.Request["password"])

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/members", call.path)
	assert.Equal(t, "Bearer tok", call.auth)
	assert.Equal(t, "0721", call.body["password"])
	assert.Equal(t, "成员", call.body["position"])
	assert.Equal(t, "在役", call.body["status"])
	assert.Equal(t, "动画系", call.body["direction"])
	assert.Equal(t, "", call.body["sex"])

	assert.NotContains(t, res.JSON(), "0721")
}

func TestGetEscapesCNAndParsesRaw(t *testing.T) {
	srv, calls := newServer(t, http.StatusNotFound, "text/plain", "not found")
	c := NewClient(Options{BaseURL: srv.URL})

	res := c.Get(context.Background(), "", "猫德 oxo/1")

	assert.False(t, res.OK)
	assert.False(t, res.Exists())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, map[string]any{"raw": "not found"}, res.Response)
	require.Len(t, *calls, 1)
	assert.Equal(t, "/members/"+"%E7%8C%AB%E5%BE%B7%20oxo%2F1", (*calls)[0].path)
	assert.Empty(t, (*calls)[0].auth)
}

func TestUpdateSendsOnlySetFields(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, "application/json; charset=utf-8", ``)
	c := NewClient(Options{BaseURL: srv.URL})

	remark := "新的备注"
	res := c.Update(context.Background(), "tok", "柠白夜", Profile{Remark: &remark})

	require.True(t, res.OK)
	assert.Equal(t, map[string]any{}, res.Response)
	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodPut, (*calls)[0].method)
	assert.Equal(t, map[string]any{"remark": "新的备注"}, (*calls)[0].body)
	assert.Equal(t, map[string]any{"remark": "新的备注"}, res.Request)
}

func TestDeleteStatuses(t *testing.T) {
	for _, tc := range []struct {
		status int
		ok     bool
	}{
		{http.StatusOK, true},
		{http.StatusNoContent, true},
		{http.StatusForbidden, false},
	} {
		srv, _ := newServer(t, tc.status, "", "")
		c := NewClient(Options{BaseURL: srv.URL})
		res := c.Delete(context.Background(), "tok", "小明")
		assert.Equal(t, tc.ok, res.OK, "status %d", tc.status)
		assert.Equal(t, tc.status, res.StatusCode)
	}
}

func TestEmptyCNSkipsRoundTrip(t *testing.T) {
	srv, calls := newServer(t, http.StatusOK, "", "")
	c := NewClient(Options{BaseURL: srv.URL})
	ctx := context.Background()

	for _, res := range []Result{
		c.Get(ctx, "", " "),
		c.Delete(ctx, "", ""),
		c.Update(ctx, "", "", Profile{}),
		c.Register(ctx, "", Registration{}),
	} {
		assert.False(t, res.OK)
		assert.True(t, strings.HasPrefix(res.Error, "ValueError"))
	}
	assert.Empty(t, *calls)
}

func TestUnreachableDirectory(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := NewClient(Options{BaseURL: base})
	res := c.Get(context.Background(), "tok", "柠白夜")

	assert.False(t, res.OK)
	assert.Equal(t, 0, res.StatusCode)
	assert.True(t, strings.HasPrefix(res.Error, "ConnectionError: "), res.Error)
	assert.Equal(t, "柠白夜", res.CN)
}

func TestNormalizeDirection(t *testing.T) {
	assert.Equal(t, "动画系", NormalizeDirection(" 动画 "))
	assert.Equal(t, "三维", NormalizeDirection("三维"))
	assert.Equal(t, "", NormalizeDirection(""))
}
