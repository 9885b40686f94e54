// Package hub uploads repository files to the Hugging Face Hub.
//
// An upload checks that the path is free, asks the preupload endpoint how
// the file should be sent, pushes LFS content through the git-lfs batch API
// when required and then creates a single-file commit on the revision.
package hub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ajitpratap0/hubsync/pkg/clients"
	"github.com/ajitpratap0/hubsync/pkg/destination"
	"github.com/ajitpratap0/hubsync/pkg/errors"
	"github.com/ajitpratap0/hubsync/pkg/logger"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	// DefaultEndpoint is the public Hub
	DefaultEndpoint = "https://huggingface.co"
	// DefaultRevision is the branch commits are made on
	DefaultRevision = "main"

	defaultRepoType = "dataset"
)

func init() {
	_ = destination.Register("hub", func(ctx context.Context, cfg *destination.Config) (destination.Destination, error) {
		return New(cfg)
	})
}

// Destination commits files to Hub repositories
type Destination struct {
	endpoint string
	host     string
	repoType string
	revision string

	// api serves every call except commits, which go through the rate
	// limited commits client
	api     *clients.HTTPClient
	commits *clients.HTTPClient

	logger *zap.Logger
}

// New creates a Hub destination. Token is required; Endpoint defaults to
// the public Hub and Revision to main.
func New(cfg *destination.Config) (*Destination, error) {
	if cfg.Token == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "hub token is required")
	}

	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "invalid hub endpoint %q", cfg.Endpoint)
	}

	repoType := cfg.RepoType
	if repoType == "" {
		repoType = defaultRepoType
	}
	switch repoType {
	case "dataset", "model", "space":
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported repo type %q", repoType)
	}

	revision := cfg.Revision
	if revision == "" {
		revision = DefaultRevision
	}

	log := logger.With(zap.String("component", "hub_destination"), zap.String("endpoint", endpoint))

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.Token = cfg.Token
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}

	commitCfg := *httpCfg
	if cfg.CommitsPerMinute > 0 {
		commitCfg.RateLimit = cfg.CommitsPerMinute / 60
		commitCfg.RateBurst = 1
	}

	return &Destination{
		endpoint: endpoint,
		host:     u.Host,
		repoType: repoType,
		revision: revision,
		api:      clients.NewHTTPClient(httpCfg, log),
		commits:  clients.NewHTTPClient(&commitCfg, log),
		logger:   log,
	}, nil
}

// EnsureRepo creates the repository. A repository that already exists is
// left as is, including its visibility.
func (d *Destination) EnsureRepo(ctx context.Context, repoID string, private bool) error {
	if err := destination.ValidateRepoID(repoID); err != nil {
		return err
	}

	req := createRepoRequest{Name: repoID, Type: d.repoType, Private: private}
	if ns, name, ok := strings.Cut(repoID, "/"); ok {
		req.Organization = ns
		req.Name = name
	}

	code, err := d.postJSON(ctx, d.endpoint+"/api/repos/create", "application/json", req, nil)
	switch {
	case err == nil:
		d.logger.Info("created hub repository", zap.String("repo", repoID), zap.Bool("private", private))
		return nil
	case code == http.StatusConflict:
		return nil
	default:
		return classify(err, "failed to create hub repository")
	}
}

// UploadFile commits localPath to pathInRepo. The commit fails with a
// conflict error if the path already resolves on the revision.
func (d *Destination) UploadFile(ctx context.Context, repoID, localPath, pathInRepo string) error {
	if err := destination.ValidateRepoID(repoID); err != nil {
		return err
	}
	clean, err := destination.CleanPathInRepo(pathInRepo)
	if err != nil {
		return err
	}

	exists, err := d.exists(ctx, repoID, clean)
	if err != nil {
		return err
	}
	if exists {
		return destination.Conflict(repoID, clean, nil)
	}

	info, err := describe(localPath)
	if err != nil {
		return err
	}

	mode, err := d.preupload(ctx, repoID, clean, info)
	if err != nil {
		return err
	}

	start := time.Now()
	var op commitLine
	if mode == uploadModeLFS {
		if err := d.uploadLFS(ctx, repoID, localPath, info); err != nil {
			return err
		}
		op = commitLine{Key: "lfsFile", Value: commitLFSFile{Path: clean, Algo: "sha256", OID: info.oid, Size: info.size}}
	} else {
		content, err := os.ReadFile(localPath) //nolint:gosec // G304: path comes from the scheduler's temp dir
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to read source file")
		}
		op = commitLine{Key: "file", Value: commitFile{Path: clean, Content: base64.StdEncoding.EncodeToString(content), Encoding: "base64"}}
	}

	result, err := d.commit(ctx, repoID, fmt.Sprintf("Upload %s with hubsync", clean), op)
	if err != nil {
		return err
	}

	d.logger.Info("file committed to hub",
		zap.String("repo", repoID),
		zap.String("path", clean),
		zap.String("mode", mode),
		zap.String("commit", result.CommitOID),
		zap.Int64("bytes", info.size),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Close releases idle connections
func (d *Destination) Close() error {
	_ = d.commits.Close()
	return d.api.Close()
}

type fileInfo struct {
	oid    string
	size   int64
	sample []byte
}

// describe hashes the file and keeps its first bytes for the preupload call
func describe(localPath string) (*fileInfo, error) {
	f, err := os.Open(localPath) //nolint:gosec // G304: path comes from the scheduler's temp dir
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to open source file")
	}
	defer f.Close()

	h := sha256.New()
	var head bytes.Buffer
	n, err := io.Copy(io.MultiWriter(h, &limitedBuffer{buf: &head, max: sampleSize}), f)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to hash source file")
	}
	return &fileInfo{oid: hex.EncodeToString(h.Sum(nil)), size: n, sample: head.Bytes()}, nil
}

type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		l.buf.Write(p[:room])
	}
	return len(p), nil
}

func (d *Destination) exists(ctx context.Context, repoID, pathInRepo string) (bool, error) {
	req, err := d.api.NewRequest(ctx, http.MethodHead, d.resolveURL(repoID, pathInRepo), nil)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}
	resp, err := d.api.Do(req)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConnection, "failed to check hub path")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 400:
		return true, nil
	default:
		return false, classify(&StatusError{StatusCode: resp.StatusCode}, "failed to check hub path")
	}
}

func (d *Destination) preupload(ctx context.Context, repoID, pathInRepo string, info *fileInfo) (string, error) {
	var out preuploadResponse
	_, err := d.postJSON(ctx, d.apiURL(repoID, "preupload"), "application/json",
		preuploadRequest{Files: []preuploadFile{{
			Path:   pathInRepo,
			Sample: base64.StdEncoding.EncodeToString(info.sample),
			Size:   info.size,
		}}}, &out)
	if err != nil {
		return "", classify(err, "hub preupload failed")
	}
	for _, f := range out.Files {
		if f.Path == pathInRepo {
			if f.ShouldIgnore {
				return "", errors.Newf(errors.ErrorTypeConfig, "hub ignores %s in %s", pathInRepo, repoID)
			}
			if f.UploadMode == uploadModeLFS {
				return uploadModeLFS, nil
			}
			return uploadModeRegular, nil
		}
	}
	return uploadModeRegular, nil
}

func (d *Destination) uploadLFS(ctx context.Context, repoID, localPath string, info *fileInfo) error {
	var batch lfsBatchResponse
	_, err := d.postJSON(ctx, d.lfsBatchURL(repoID), lfsMediaType, lfsBatchRequest{
		Operation: "upload",
		Transfers: []string{"basic"},
		Objects:   []lfsObject{{OID: info.oid, Size: info.size}},
		HashAlgo:  "sha256",
		Ref:       lfsRef{Name: "refs/heads/" + d.revision},
	}, &batch)
	if err != nil {
		return classify(err, "hub lfs batch failed")
	}
	if len(batch.Objects) == 0 {
		return errors.New(errors.ErrorTypeUpload, "hub lfs batch returned no objects")
	}

	obj := batch.Objects[0]
	if obj.Error != nil {
		return classify(&StatusError{StatusCode: obj.Error.Code, Message: obj.Error.Message}, "hub lfs batch rejected object")
	}

	upload, ok := obj.Actions["upload"]
	if !ok {
		// content already stored
		return nil
	}
	if err := d.putObject(ctx, upload, localPath, info.size); err != nil {
		return err
	}

	if verify, ok := obj.Actions["verify"]; ok {
		payload, _ := json.Marshal(lfsObject{OID: info.oid, Size: info.size})
		req, err := d.api.NewRequest(ctx, http.MethodPost, verify.Href, bytes.NewReader(payload))
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
		}
		req.Header.Set("Content-Type", lfsMediaType)
		req.Header.Set("Accept", lfsMediaType)
		for k, v := range verify.Header {
			req.Header.Set(k, v)
		}
		if _, err := d.send(d.doerFor(req), req, nil); err != nil {
			return classify(err, "hub lfs verify failed")
		}
	}
	return nil
}

func (d *Destination) putObject(ctx context.Context, action lfsAction, localPath string, size int64) error {
	f, err := os.Open(localPath) //nolint:gosec // G304: path comes from the scheduler's temp dir
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to open source file")
	}
	defer f.Close()

	req, err := d.api.NewRequest(ctx, http.MethodPut, action.Href, f)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}
	req.ContentLength = size
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}
	if _, err := d.send(d.doerFor(req), req, nil); err != nil {
		return classify(err, "hub lfs upload failed")
	}
	return nil
}

// doerFor keeps the bearer token on the Hub host only; LFS actions may
// point at presigned storage URLs
func (d *Destination) doerFor(req *http.Request) func(*http.Request) (*http.Response, error) {
	if req.URL.Host == d.host {
		return d.api.Do
	}
	return d.api.DoUnauthenticated
}

func (d *Destination) commit(ctx context.Context, repoID, summary string, ops ...commitLine) (*commitResponse, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	lines := append([]commitLine{{Key: "header", Value: commitHeader{Summary: summary}}}, ops...)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode commit")
		}
	}

	req, err := d.commits.NewRequest(ctx, http.MethodPost, d.apiURL(repoID, "commit"), &body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build request")
	}
	req.Header.Set("Content-Type", ndjsonMediaType)

	var out commitResponse
	if _, err := d.send(d.commits.Do, req, &out); err != nil {
		return nil, classify(err, "hub commit failed")
	}
	return &out, nil
}
