package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/cloudcrr/cloudcrr/crr/util"
)

// dataRoute is the multiple-backend put surface exposed by the source
// service; it fans the write out to the site's actual cloud backend.
const dataRoute = "/_/crossbackend/data"

const (
	headerStorageType  = "X-Crr-Storage-Type"
	headerStorageClass = "X-Crr-Storage-Class"
	headerUploadID     = "X-Crr-Upload-Id"
	headerPartNumber   = "X-Crr-Part-Number"
	headerVersionID    = "X-Crr-Version-Id"
	headerCanonicalID  = "X-Crr-Canonical-Id"
	headerUserMetadata = "X-Crr-User-Metadata"
	headerTags         = "X-Crr-Tags"
)

// Destination owns the destination host list and constructs a fresh
// client binding per retry attempt.
type Destination struct {
	hosts      *HostList
	httpClient *http.Client
}

func NewDestination(config util.Configuration, prefix string) *Destination {
	hosts := config.GetStringSlice(prefix + "hosts")
	glog.V(0).Infof("destination.hosts: %v", hosts)
	timeout := time.Duration(config.GetInt(prefix+"timeout_seconds")) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Minute
	}
	return NewDestinationWithHosts(NewHostList(hosts), timeout)
}

func NewDestinationWithHosts(hosts *HostList, timeout time.Duration) *Destination {
	return &Destination{
		hosts:      hosts,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Client binds the current host. Callers re-bind after every Failover.
func (d *Destination) Client() *DestinationClient {
	return &DestinationClient{host: d.hosts.Current(), httpClient: d.httpClient}
}

// Failover advances the round-robin cursor to the next host.
func (d *Destination) Failover() {
	next := d.hosts.Advance()
	glog.V(1).Infof("destination failover to %s", next)
}

// DestinationClient issues multiple-backend operations against one host.
type DestinationClient struct {
	host       string
	httpClient *http.Client
}

type PutObjectRequest struct {
	Bucket             string
	Key                string
	StorageType        string
	StorageClass       string
	CanonicalID        string
	ContentLength      int64
	ContentMD5         string
	ContentType        string
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	UserMetadata       map[string]string
	Tags               map[string]string
	Body               io.Reader
}

type InitiateMPURequest struct {
	Bucket             string
	Key                string
	StorageType        string
	StorageClass       string
	ContentType        string
	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	UserMetadata       map[string]string
	Tags               map[string]string
}

type PutPartRequest struct {
	Bucket        string
	Key           string
	StorageType   string
	StorageClass  string
	UploadID      string
	PartNumber    int
	ContentLength int64
	Body          io.Reader
}

// CompletedPart is one element of the ordered part list sent on complete.
type CompletedPart struct {
	PartNumber     int    `json:"PartNumber"`
	ETag           string `json:"ETag"`
	NumberSubParts int    `json:"NumberSubParts,omitempty"`
}

type CompleteMPURequest struct {
	Bucket       string
	Key          string
	StorageType  string
	StorageClass string
	UploadID     string
	Parts        []CompletedPart
}

type backendResponse struct {
	VersionID string `json:"versionId"`
	UploadID  string `json:"uploadId"`
	ETag      string `json:"ETag"`
}

func (c *DestinationClient) PutObject(ctx context.Context, req *PutObjectRequest) (string, error) {
	headers := http.Header{}
	headers.Set(headerStorageType, req.StorageType)
	headers.Set(headerStorageClass, req.StorageClass)
	if req.CanonicalID != "" {
		headers.Set(headerCanonicalID, req.CanonicalID)
	}
	if req.ContentMD5 != "" {
		headers.Set("Content-MD5", req.ContentMD5)
	}
	setContentHeaders(headers, req.ContentType, req.CacheControl, req.ContentDisposition, req.ContentEncoding)
	if err := setJSONHeader(headers, headerUserMetadata, req.UserMetadata); err != nil {
		return "", err
	}
	if err := setJSONHeader(headers, headerTags, req.Tags); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPut, c.objectURL(req.Bucket, req.Key, "putobject", ""),
		headers, req.Body, req.ContentLength)
	if err != nil {
		return "", err
	}
	return resp.VersionID, nil
}

func (c *DestinationClient) InitiateMPU(ctx context.Context, req *InitiateMPURequest) (string, error) {
	headers := http.Header{}
	headers.Set(headerStorageType, req.StorageType)
	headers.Set(headerStorageClass, req.StorageClass)
	setContentHeaders(headers, req.ContentType, req.CacheControl, req.ContentDisposition, req.ContentEncoding)
	if err := setJSONHeader(headers, headerUserMetadata, req.UserMetadata); err != nil {
		return "", err
	}
	if err := setJSONHeader(headers, headerTags, req.Tags); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, c.objectURL(req.Bucket, req.Key, "initiatempu", ""),
		headers, nil, 0)
	if err != nil {
		return "", err
	}
	if resp.UploadID == "" {
		return "", NewError(KindPermanentTarget, OriginTarget, "InternalError",
			fmt.Errorf("initiate mpu returned no upload id"))
	}
	return resp.UploadID, nil
}

func (c *DestinationClient) PutMPUPart(ctx context.Context, req *PutPartRequest) (string, error) {
	headers := http.Header{}
	headers.Set(headerStorageType, req.StorageType)
	headers.Set(headerStorageClass, req.StorageClass)
	headers.Set(headerUploadID, req.UploadID)
	headers.Set(headerPartNumber, strconv.Itoa(req.PartNumber))

	resp, err := c.do(ctx, http.MethodPut, c.objectURL(req.Bucket, req.Key, "putpart", ""),
		headers, req.Body, req.ContentLength)
	if err != nil {
		return "", err
	}
	return resp.ETag, nil
}

func (c *DestinationClient) CompleteMPU(ctx context.Context, req *CompleteMPURequest) (string, error) {
	headers := http.Header{}
	headers.Set(headerStorageType, req.StorageType)
	headers.Set(headerStorageClass, req.StorageClass)
	headers.Set(headerUploadID, req.UploadID)
	headers.Set("Content-Type", "application/json")

	body, err := json.Marshal(req.Parts)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, c.objectURL(req.Bucket, req.Key, "completempu", ""),
		headers, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return "", err
	}
	return resp.VersionID, nil
}

func (c *DestinationClient) AbortMPU(ctx context.Context, bucket, key, storageType, storageClass, uploadID string) error {
	headers := http.Header{}
	headers.Set(headerStorageType, storageType)
	headers.Set(headerStorageClass, storageClass)
	headers.Set(headerUploadID, uploadID)

	_, err := c.do(ctx, http.MethodDelete, c.objectURL(bucket, key, "abortmpu", ""), headers, nil, 0)
	return err
}

func (c *DestinationClient) DeleteObject(ctx context.Context, bucket, key, storageType, storageClass, versionID string) error {
	headers := http.Header{}
	headers.Set(headerStorageType, storageType)
	headers.Set(headerStorageClass, storageClass)
	if versionID != "" {
		headers.Set(headerVersionID, versionID)
	}

	_, err := c.do(ctx, http.MethodDelete, c.objectURL(bucket, key, "deleteobject", ""), headers, nil, 0)
	return err
}

func (c *DestinationClient) PutObjectTagging(ctx context.Context, bucket, key, storageType, storageClass, dataStoreVersionID string, tags map[string]string) (string, error) {
	headers := http.Header{}
	headers.Set(headerStorageType, storageType)
	headers.Set(headerStorageClass, storageClass)
	if dataStoreVersionID != "" {
		headers.Set(headerVersionID, dataStoreVersionID)
	}
	if err := setJSONHeader(headers, headerTags, tags); err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPut, c.objectURL(bucket, key, "puttagging", ""), headers, nil, 0)
	if err != nil {
		return "", err
	}
	return resp.VersionID, nil
}

func (c *DestinationClient) DeleteObjectTagging(ctx context.Context, bucket, key, storageType, storageClass, dataStoreVersionID string) (string, error) {
	headers := http.Header{}
	headers.Set(headerStorageType, storageType)
	headers.Set(headerStorageClass, storageClass)
	if dataStoreVersionID != "" {
		headers.Set(headerVersionID, dataStoreVersionID)
	}

	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(bucket, key, "deletetagging", ""), headers, nil, 0)
	if err != nil {
		return "", err
	}
	return resp.VersionID, nil
}

func (c *DestinationClient) objectURL(bucket, key, operation, query string) string {
	u := fmt.Sprintf("%s%s/%s/%s?operation=%s", c.host, dataRoute,
		url.PathEscape(bucket), url.PathEscape(key), operation)
	if query != "" {
		u += "&" + query
	}
	return u
}

func (c *DestinationClient) do(ctx context.Context, method, u string, headers http.Header, body io.Reader, contentLength int64) (*backendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, NewTransient(OriginTarget, "BadRequest", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.ContentLength = contentLength
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, NewTransient(OriginTarget, "NetworkError", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransient(OriginTarget, "NetworkError", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewObjNotFound(OriginTarget, fmt.Errorf("%s %s: %s", method, u, raw))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewTransient(OriginTarget, fmt.Sprintf("HTTP%d", resp.StatusCode),
			fmt.Errorf("%s %s: %s", method, u, raw))
	case resp.StatusCode >= 400:
		return nil, NewError(KindPermanentTarget, OriginTarget, fmt.Sprintf("HTTP%d", resp.StatusCode),
			fmt.Errorf("%s %s: %s", method, u, raw))
	}

	decoded := &backendResponse{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, decoded); err != nil {
			return nil, NewError(KindPermanentTarget, OriginTarget, "InternalError",
				fmt.Errorf("decode backend response: %v", err))
		}
	}
	return decoded, nil
}

func setContentHeaders(headers http.Header, contentType, cacheControl, contentDisposition, contentEncoding string) {
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	if cacheControl != "" {
		headers.Set("Cache-Control", cacheControl)
	}
	if contentDisposition != "" {
		headers.Set("Content-Disposition", contentDisposition)
	}
	if contentEncoding != "" {
		headers.Set("Content-Encoding", contentEncoding)
	}
}

func setJSONHeader(headers http.Header, name string, value map[string]string) error {
	if len(value) == 0 {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	headers.Set(name, string(encoded))
	return nil
}
