// Package rest talks to a NextGIS Web style feature server over HTTP JSON
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/featuresync/internal/feature"
	"github.com/wegman-software/featuresync/internal/logger"
	"github.com/wegman-software/featuresync/internal/remote"
)

// Options configures a Client
type Options struct {
	BaseURL    string
	ResourceID int64
	Username   string
	Password   string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
}

// Client implements remote.Resource for one vector resource
type Client struct {
	opts   Options
	base   *url.URL
	client *http.Client

	mu   sync.Mutex
	meta *remote.Meta
	cols []column
}

var _ remote.Resource = (*Client)(nil)

// New creates a client
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url scheme: %q", base.Scheme)
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "featuresync/1.0"
	}
	return &Client{
		opts:   opts,
		base:   base,
		client: &http.Client{Timeout: opts.Timeout},
	}, nil
}

func (c *Client) resourceURL(parts ...string) string {
	p := "/api/resource/" + strconv.FormatInt(c.opts.ResourceID, 10)
	for _, part := range parts {
		p += "/" + part
	}
	return c.base.String() + p
}

// Meta fetches the resource description and caches the field list used to
// decode feature values
func (c *Client) Meta(ctx context.Context) (*remote.Meta, error) {
	var body resourceJSON
	if err := c.getJSON(ctx, "get meta", c.resourceURL(), &body); err != nil {
		return nil, err
	}
	meta, cols, err := body.meta(c.opts.ResourceID)
	if err != nil {
		return nil, &remote.Error{Op: "get meta", Kind: remote.ErrProtocol, Cause: err}
	}
	c.mu.Lock()
	c.meta = meta
	c.cols = cols
	c.mu.Unlock()
	return meta, nil
}

func (c *Client) columns(ctx context.Context) ([]column, error) {
	c.mu.Lock()
	loaded, cols := c.meta != nil, c.cols
	c.mu.Unlock()
	if loaded {
		return cols, nil
	}
	if _, err := c.Meta(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, nil
}

// List fetches the features of the resource with attachment metadata
func (c *Client) List(ctx context.Context, filter remote.Filter) ([]*feature.Feature, error) {
	cols, err := c.columns(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("geom_format", "wkt")
	q.Set("extensions", "attachment")
	if filter.Envelope.IsInit() {
		e := filter.Envelope
		q.Set("intersects", fmt.Sprintf("POLYGON((%[1]v %[2]v,%[3]v %[2]v,%[3]v %[4]v,%[1]v %[4]v,%[1]v %[2]v))",
			e.MinX, e.MinY, e.MaxX, e.MaxY))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var rows []featureJSON
	if err := c.getJSON(ctx, "list features", c.resourceURL("feature/")+"?"+q.Encode(), &rows); err != nil {
		return nil, err
	}
	return decodeFeatures("list features", rows, cols)
}

// TrackedChanges fetches the diff since a timestamp
func (c *Client) TrackedChanges(ctx context.Context, since time.Time) (*remote.Changes, error) {
	cols, err := c.columns(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("geom_format", "wkt")
	q.Set("extensions", "attachment")
	q.Set("since", since.UTC().Format(time.RFC3339))

	var body changesJSON
	if err := c.getJSON(ctx, "tracked changes", c.resourceURL("feature", "changes")+"?"+q.Encode(), &body); err != nil {
		return nil, err
	}
	out := &remote.Changes{Deleted: body.Deleted}
	if out.Added, err = decodeFeatures("tracked changes", body.Added, cols); err != nil {
		return nil, err
	}
	if out.Changed, err = decodeFeatures("tracked changes", body.Changed, cols); err != nil {
		return nil, err
	}
	return out, nil
}

// Create posts a feature and returns the id the server assigned
func (c *Client) Create(ctx context.Context, f *feature.Feature) (int64, error) {
	cols, err := c.columns(ctx)
	if err != nil {
		return 0, err
	}
	var resp idJSON
	if err := c.sendJSON(ctx, "create feature", http.MethodPost, c.resourceURL("feature/"), encodeFeature(f, cols), &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// Update replaces geometry and values of a remote feature
func (c *Client) Update(ctx context.Context, f *feature.Feature) error {
	cols, err := c.columns(ctx)
	if err != nil {
		return err
	}
	return c.sendJSON(ctx, "update feature", http.MethodPut,
		c.resourceURL("feature", strconv.FormatInt(f.ID, 10)), encodeFeature(f, cols), nil)
}

// Delete removes a remote feature
func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.sendJSON(ctx, "delete feature", http.MethodDelete,
		c.resourceURL("feature", strconv.FormatInt(id, 10)), nil, nil)
}

// Upload sends attachment content to the upload component
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (remote.Upload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return remote.Upload{}, fmt.Errorf("failed to read attachment: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base.String()+"/api/component/file_upload/"+url.PathEscape(name), nil)
	if err != nil {
		return remote.Upload{}, err
	}
	var resp uploadJSON
	// Uploads are not retried; a failed one leaves nothing attached
	if err := c.roundTrip(req, data, false, "upload attachment", &resp); err != nil {
		return remote.Upload{}, err
	}
	return remote.Upload{Token: resp.ID, Size: resp.Size, MimeType: resp.MimeType}, nil
}

// Attach links uploaded content to a feature
func (c *Client) Attach(ctx context.Context, featureID int64, up remote.Upload, meta feature.Attachment) (int64, error) {
	body := attachmentJSON{
		Name:        meta.Name,
		Description: meta.Description,
		MimeType:    meta.MimeType,
		FileUpload:  &uploadJSON{ID: up.Token, Size: up.Size, MimeType: up.MimeType},
	}
	var resp idJSON
	err := c.sendJSON(ctx, "attach", http.MethodPost,
		c.resourceURL("feature", strconv.FormatInt(featureID, 10), "attachment/"), body, &resp)
	return resp.ID, err
}

// UpdateAttachment changes attachment metadata
func (c *Client) UpdateAttachment(ctx context.Context, featureID int64, meta feature.Attachment) error {
	body := attachmentJSON{Name: meta.Name, Description: meta.Description}
	return c.sendJSON(ctx, "update attachment", http.MethodPut,
		c.resourceURL("feature", strconv.FormatInt(featureID, 10), "attachment", meta.Key()), body, nil)
}

// DeleteAttachment removes an attachment
func (c *Client) DeleteAttachment(ctx context.Context, featureID, attachID int64) error {
	return c.sendJSON(ctx, "delete attachment", http.MethodDelete,
		c.resourceURL("feature", strconv.FormatInt(featureID, 10), "attachment", strconv.FormatInt(attachID, 10)), nil, nil)
}

func (c *Client) getJSON(ctx context.Context, op, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.roundTrip(req, nil, true, op, out)
}

func (c *Client) sendJSON(ctx context.Context, op, method, u string, in, out any) error {
	var data []byte
	if in != nil {
		var err error
		if data, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// POST creates are not idempotent
	return c.roundTrip(req, data, method != http.MethodPost, op, out)
}

// roundTrip performs req with retries on transport failures and server
// errors and decodes a JSON response into out
func (c *Client) roundTrip(req *http.Request, body []byte, retry bool, op string, out any) error {
	log := logger.Get()
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.opts.Username != "" {
		req.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	attempts := 1
	if retry {
		attempts += c.opts.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return &remote.Error{Op: op, Kind: remote.ErrNetwork, Cause: req.Context().Err()}
			case <-time.After(c.opts.RetryDelay):
			}
			log.Debug("Retrying request", zap.String("op", op), zap.Int("attempt", attempt))
		}
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = &remote.Error{Op: op, Kind: remote.ErrNetwork, Cause: err}
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = &remote.Error{Op: op, Status: resp.StatusCode, Kind: remote.ErrNetwork, Cause: err}
			continue
		}

		if kind := remote.StatusKind(resp.StatusCode); kind != nil {
			lastErr = remote.NewStatusError(op, resp.StatusCode, serverMessage(data))
			if kind == remote.ErrNetwork {
				continue
			}
			return lastErr
		}

		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return &remote.Error{Op: op, Status: resp.StatusCode, Kind: remote.ErrProtocol, Cause: err}
		}
		return nil
	}
	return lastErr
}

// serverMessage extracts the error message of a NextGIS Web error body
func serverMessage(data []byte) error {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil && body.Message != "" {
		return errors.New(body.Message)
	}
	return nil
}
