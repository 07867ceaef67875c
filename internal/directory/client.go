package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maskedPassword = "***"

// Registration is the full profile sent when creating a member.
type Registration struct {
	CN        string `json:"cn"`
	Password  string `json:"password"`
	Sex       string `json:"sex"`
	Position  string `json:"position"`
	Year      string `json:"year"`
	Direction string `json:"direction"`
	Status    string `json:"status"`
	Remark    string `json:"remark"`
}

// Profile is a partial update; nil fields are left untouched.
type Profile struct {
	Sex       *string `json:"sex,omitempty"`
	Position  *string `json:"position,omitempty"`
	Year      *string `json:"year,omitempty"`
	Direction *string `json:"direction,omitempty"`
	Status    *string `json:"status,omitempty"`
	IsMember  *bool   `json:"is_member,omitempty"`
	Remark    *string `json:"remark,omitempty"`
}

func (p Profile) IsEmpty() bool {
	return p == Profile{}
}

// Result describes one directory round trip. Failures of any kind are
// reported through OK and Error, never as a Go error.
type Result struct {
	OK                bool           `json:"ok"`
	StatusCode        int            `json:"status_code,omitempty"`
	URL               string         `json:"url"`
	CN                string         `json:"cn"`
	Request           map[string]any `json:"request,omitempty"`
	Response          any            `json:"response,omitempty"`
	Error             string         `json:"error,omitempty"`
	PasswordDefaulted bool           `json:"password_defaulted,omitempty"`
}

// Exists reports whether a Get result found the member.
func (r Result) Exists() bool {
	return r.OK && r.StatusCode == http.StatusOK
}

// JSON renders the result for inclusion in an LLM conversation.
func (r Result) JSON() string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error())
	}
	return strings.TrimSpace(buf.String())
}

type Options struct {
	BaseURL         string
	Timeout         time.Duration
	DefaultPassword string
	HTTPClient      *http.Client
}

type Client struct {
	baseURL         string
	defaultPassword string
	http            *http.Client
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	pw := opts.DefaultPassword
	if pw == "" {
		pw = "0721"
	}
	return &Client{
		baseURL:         strings.TrimRight(opts.BaseURL, "/"),
		defaultPassword: pw,
		http:            hc,
	}
}

func (c *Client) DefaultPassword() string { return c.defaultPassword }

// Register creates a member. Unset fields take the club defaults and the
// password falls back to the configured default.
func (c *Client) Register(ctx context.Context, auth string, reg Registration) Result {
	reg = normalizeRegistration(reg)
	defaulted := false
	if reg.Password == "" {
		reg.Password = c.defaultPassword
		defaulted = true
	}

	u := c.baseURL + "/members"
	if reg.CN == "" {
		return Result{URL: u, Error: "ValueError: cn is required"}
	}

	masked := reg
	masked.Password = maskedPassword
	res := c.do(ctx, http.MethodPost, u, auth, reg, toMap(masked))
	res.CN = reg.CN
	res.OK = res.Error == "" && (res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated)
	res.PasswordDefaulted = defaulted
	return res
}

func (c *Client) Get(ctx context.Context, auth, cn string) Result {
	cn = strings.TrimSpace(cn)
	u := c.memberURL(cn)
	if cn == "" {
		return Result{URL: u, Error: "ValueError: cn is required"}
	}
	res := c.do(ctx, http.MethodGet, u, auth, nil, nil)
	res.CN = cn
	res.OK = res.Error == "" && res.StatusCode == http.StatusOK
	return res
}

func (c *Client) Update(ctx context.Context, auth, cn string, p Profile) Result {
	cn = strings.TrimSpace(cn)
	u := c.memberURL(cn)
	if cn == "" {
		return Result{URL: u, Error: "ValueError: cn is required"}
	}
	if p.IsEmpty() {
		zerolog.Ctx(ctx).Debug().Str("cn", cn).Msg("update without changes")
	}
	res := c.do(ctx, http.MethodPut, u, auth, p, toMap(p))
	res.CN = cn
	res.OK = res.Error == "" && res.StatusCode == http.StatusOK
	return res
}

func (c *Client) Delete(ctx context.Context, auth, cn string) Result {
	cn = strings.TrimSpace(cn)
	u := c.memberURL(cn)
	if cn == "" {
		return Result{URL: u, Error: "ValueError: cn is required"}
	}
	res := c.do(ctx, http.MethodDelete, u, auth, nil, nil)
	res.CN = cn
	res.OK = res.Error == "" && (res.StatusCode == http.StatusOK || res.StatusCode == http.StatusNoContent)
	return res
}

func (c *Client) memberURL(cn string) string {
	return c.baseURL + "/members/" + url.PathEscape(cn)
}

func (c *Client) do(ctx context.Context, method, u, auth string, body any, echo map[string]any) Result {
	res := Result{URL: u, Request: echo}
	logger := zerolog.Ctx(ctx).With().Str("method", method).Str("url", u).Logger()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			res.Error = "EncodeError: " + err.Error()
			return res
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		res.Error = "RequestError: " + err.Error()
		return res
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		res.Error = errorKind(err) + ": " + err.Error()
		logger.Warn().Err(err).Msg("directory request failed")
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Error = "ReadError: " + err.Error()
		return res
	}
	res.Response = decodeBody(resp.Header.Get("Content-Type"), raw)
	logger.Debug().Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("directory request")
	return res
}

func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		if len(bytes.TrimSpace(raw)) == 0 {
			return map[string]any{}
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return map[string]any{"raw": string(raw)}
}

func errorKind(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "TimeoutError"
	default:
		return "ConnectionError"
	}
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func normalizeRegistration(r Registration) Registration {
	r.CN = strings.TrimSpace(r.CN)
	r.Sex = strings.TrimSpace(r.Sex)
	r.Year = strings.TrimSpace(r.Year)
	r.Remark = strings.TrimSpace(r.Remark)
	r.Position = strings.TrimSpace(r.Position)
	if r.Position == "" {
		r.Position = "成员"
	}
	r.Status = strings.TrimSpace(r.Status)
	if r.Status == "" {
		r.Status = "在役"
	}
	r.Direction = NormalizeDirection(r.Direction)
	return r
}

// NormalizeDirection maps common shorthands onto the directory's vocabulary.
func NormalizeDirection(d string) string {
	d = strings.TrimSpace(d)
	if d == "动画" {
		return "动画系"
	}
	return d
}
