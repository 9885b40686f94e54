package hub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/goccy/go-json"
)

const (
	lfsMediaType    = "application/vnd.git-lfs+json"
	ndjsonMediaType = "application/x-ndjson"

	uploadModeLFS     = "lfs"
	uploadModeRegular = "regular"

	sampleSize   = 512
	maxErrorBody = 4096
)

type createRepoRequest struct {
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Type         string `json:"type"`
	Private      bool   `json:"private"`
}

type preuploadFile struct {
	Path   string `json:"path"`
	Sample string `json:"sample"`
	Size   int64  `json:"size"`
}

type preuploadRequest struct {
	Files []preuploadFile `json:"files"`
}

type preuploadResponse struct {
	Files []struct {
		Path         string `json:"path"`
		UploadMode   string `json:"uploadMode"`
		ShouldIgnore bool   `json:"shouldIgnore"`
	} `json:"files"`
}

type lfsObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsRef struct {
	Name string `json:"name"`
}

type lfsBatchRequest struct {
	Operation string      `json:"operation"`
	Transfers []string    `json:"transfers"`
	Objects   []lfsObject `json:"objects"`
	HashAlgo  string      `json:"hash_algo"`
	Ref       lfsRef      `json:"ref"`
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchResponse struct {
	Objects []struct {
		OID     string               `json:"oid"`
		Size    int64                `json:"size"`
		Actions map[string]lfsAction `json:"actions"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"objects"`
}

type commitLine struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type commitLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type commitFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type commitResponse struct {
	CommitOID string `json:"commitOid"`
	CommitURL string `json:"commitUrl"`
}

type apiError struct {
	Error string `json:"error"`
}

// typePrefix returns the URL segment of the repo type in API and git paths
func typePrefix(repoType string) (api string, git string) {
	switch repoType {
	case "model":
		return "models", ""
	case "space":
		return "spaces", "spaces/"
	default:
		return "datasets", "datasets/"
	}
}

// escapeSegments escapes each "/"-separated segment of p
func escapeSegments(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

func (d *Destination) apiURL(repoID, op string) string {
	api, _ := typePrefix(d.repoType)
	return fmt.Sprintf("%s/api/%s/%s/%s/%s", d.endpoint, api, escapeSegments(repoID), op, url.PathEscape(d.revision))
}

func (d *Destination) resolveURL(repoID, pathInRepo string) string {
	_, git := typePrefix(d.repoType)
	return fmt.Sprintf("%s/%s%s/resolve/%s/%s", d.endpoint, git, escapeSegments(repoID), url.PathEscape(d.revision), escapeSegments(pathInRepo))
}

func (d *Destination) lfsBatchURL(repoID string) string {
	_, git := typePrefix(d.repoType)
	return fmt.Sprintf("%s/%s%s.git/info/lfs/objects/batch", d.endpoint, git, escapeSegments(repoID))
}

// postJSON sends body as JSON and decodes a 2xx response into out
func (d *Destination) postJSON(ctx context.Context, rawURL, contentType string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeData, "failed to encode request")
	}
	req, err := d.api.NewRequest(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	return d.send(d.api.Do, req, out)
}

func (d *Destination) send(do func(*http.Request) (*http.Response, error), req *http.Request, out interface{}) (int, error) {
	resp, err := do(req)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("%s %s failed", req.Method, req.URL.Path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resp.StatusCode, responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, errors.Wrap(err, errors.ErrorTypeConnection, "failed to decode response")
	}
	return resp.StatusCode, nil
}

// StatusError is a non-2xx response from the Hub
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub returned %d", e.StatusCode)
	}
	return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
}

func responseError(resp *http.Response) error {
	msg := resp.Header.Get("X-Error-Message")
	if msg == "" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error != "" {
			msg = ae.Error
		} else {
			msg = strings.TrimSpace(string(body))
		}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

func classify(err error, message string) error {
	var typed *errors.Error
	if errors.As(err, &typed) && statusCode(err) == 0 {
		return errors.Wrap(err, typed.Type, message)
	}
	switch code := statusCode(err); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Wrap(err, errors.ErrorTypeAuthentication, message)
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return errors.Wrap(err, errors.ErrorTypeRateLimit, message)
	case code == http.StatusConflict:
		// another commit landed on the revision first
		return errors.Wrap(err, errors.ErrorTypeConnection, message)
	case code >= 500 || code == 0:
		return errors.Wrap(err, errors.ErrorTypeConnection, message)
	default:
		return errors.Wrap(err, errors.ErrorTypeConfig, message)
	}
}
