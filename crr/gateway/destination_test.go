package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

func newBackendServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var recorded []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		recorded = append(recorded, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   body,
		})
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(server.Close)
	return server, &recorded
}

func newTestClient(server *httptest.Server) *DestinationClient {
	d := NewDestinationWithHosts(NewHostList([]string{server.URL}), 5*time.Second)
	return d.Client()
}

func TestPutObjectRequestShape(t *testing.T) {
	server, recorded := newBackendServer(t, http.StatusOK, `{"versionId":"dest-v1"}`)
	client := newTestClient(server)

	versionID, err := client.PutObject(context.Background(), &PutObjectRequest{
		Bucket:        "photos",
		Key:           "cat.jpg",
		StorageType:   "aws_s3",
		StorageClass:  "aws-site-1",
		CanonicalID:   "owner-1",
		ContentLength: 4,
		ContentMD5:    "md5sum",
		ContentType:   "image/jpeg",
		UserMetadata:  map[string]string{"camera": "x100"},
		Tags:          map[string]string{"env": "prod"},
		Body:          strings.NewReader("data"),
	})
	require.NoError(t, err)
	assert.Equal(t, "dest-v1", versionID)

	require.Len(t, *recorded, 1)
	req := (*recorded)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/_/crossbackend/data/photos/cat.jpg", req.path)
	assert.Equal(t, "operation=putobject", req.query)
	assert.Equal(t, "aws_s3", req.header.Get("X-Crr-Storage-Type"))
	assert.Equal(t, "aws-site-1", req.header.Get("X-Crr-Storage-Class"))
	assert.Equal(t, "owner-1", req.header.Get("X-Crr-Canonical-Id"))
	assert.Equal(t, "md5sum", req.header.Get("Content-MD5"))
	assert.Equal(t, "image/jpeg", req.header.Get("Content-Type"))
	assert.JSONEq(t, `{"camera":"x100"}`, req.header.Get("X-Crr-User-Metadata"))
	assert.JSONEq(t, `{"env":"prod"}`, req.header.Get("X-Crr-Tags"))
	assert.Equal(t, "data", string(req.body))
}

func TestInitiateMPU(t *testing.T) {
	server, recorded := newBackendServer(t, http.StatusOK, `{"uploadId":"upload-1"}`)
	client := newTestClient(server)

	uploadID, err := client.InitiateMPU(context.Background(), &InitiateMPURequest{
		Bucket:       "photos",
		Key:          "cat.jpg",
		StorageType:  "gcp",
		StorageClass: "gcp-site-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "upload-1", uploadID)

	req := (*recorded)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "operation=initiatempu", req.query)
}

func TestInitiateMPUWithoutUploadID(t *testing.T) {
	server, _ := newBackendServer(t, http.StatusOK, `{}`)
	client := newTestClient(server)

	_, err := client.InitiateMPU(context.Background(), &InitiateMPURequest{Bucket: "b", Key: "k"})
	require.Error(t, err)
	assert.Equal(t, KindPermanentTarget, KindOf(err))
}

func TestPutMPUPart(t *testing.T) {
	server, recorded := newBackendServer(t, http.StatusOK, `{"ETag":"etag-3"}`)
	client := newTestClient(server)

	etag, err := client.PutMPUPart(context.Background(), &PutPartRequest{
		Bucket:        "photos",
		Key:           "cat.jpg",
		StorageType:   "aws_s3",
		StorageClass:  "aws-site-1",
		UploadID:      "upload-1",
		PartNumber:    3,
		ContentLength: 4,
		Body:          strings.NewReader("part"),
	})
	require.NoError(t, err)
	assert.Equal(t, "etag-3", etag)

	req := (*recorded)[0]
	assert.Equal(t, "operation=putpart", req.query)
	assert.Equal(t, "upload-1", req.header.Get("X-Crr-Upload-Id"))
	assert.Equal(t, "3", req.header.Get("X-Crr-Part-Number"))
	assert.Equal(t, "part", string(req.body))
}

func TestCompleteMPUBody(t *testing.T) {
	server, recorded := newBackendServer(t, http.StatusOK, `{"versionId":"dest-v1"}`)
	client := newTestClient(server)

	versionID, err := client.CompleteMPU(context.Background(), &CompleteMPURequest{
		Bucket:       "photos",
		Key:          "cat.jpg",
		StorageType:  "azure",
		StorageClass: "azure-site-1",
		UploadID:     "upload-1",
		Parts: []CompletedPart{
			{PartNumber: 1, ETag: "a", NumberSubParts: 1},
			{PartNumber: 2, ETag: "b", NumberSubParts: 2},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "dest-v1", versionID)

	req := (*recorded)[0]
	assert.Equal(t, "operation=completempu", req.query)
	assert.JSONEq(t,
		`[{"PartNumber":1,"ETag":"a","NumberSubParts":1},{"PartNumber":2,"ETag":"b","NumberSubParts":2}]`,
		string(req.body))
}

func TestAbortAndDelete(t *testing.T) {
	server, recorded := newBackendServer(t, http.StatusOK, `{}`)
	client := newTestClient(server)

	require.NoError(t, client.AbortMPU(context.Background(), "photos", "cat.jpg", "aws_s3", "aws-site-1", "upload-1"))
	require.NoError(t, client.DeleteObject(context.Background(), "photos", "cat.jpg", "aws_s3", "aws-site-1", "dest-v1"))

	require.Len(t, *recorded, 2)
	assert.Equal(t, http.MethodDelete, (*recorded)[0].method)
	assert.Equal(t, "operation=abortmpu", (*recorded)[0].query)
	assert.Equal(t, "operation=deleteobject", (*recorded)[1].query)
	assert.Equal(t, "dest-v1", (*recorded)[1].header.Get("X-Crr-Version-Id"))
}

func TestTaggingOperations(t *testing.T) {
	server, recorded := newBackendServer(t, http.StatusOK, `{"versionId":"dest-v2"}`)
	client := newTestClient(server)

	versionID, err := client.PutObjectTagging(context.Background(),
		"photos", "cat.jpg", "aws_s3", "aws-site-1", "dest-v1", map[string]string{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, "dest-v2", versionID)

	versionID, err = client.DeleteObjectTagging(context.Background(),
		"photos", "cat.jpg", "aws_s3", "aws-site-1", "dest-v1")
	require.NoError(t, err)
	assert.Equal(t, "dest-v2", versionID)

	require.Len(t, *recorded, 2)
	assert.Equal(t, "operation=puttagging", (*recorded)[0].query)
	assert.JSONEq(t, `{"env":"prod"}`, (*recorded)[0].header.Get("X-Crr-Tags"))
	assert.Equal(t, "operation=deletetagging", (*recorded)[1].query)
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusNotFound, KindObjNotFound},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusBadRequest, KindPermanentTarget},
		{http.StatusForbidden, KindPermanentTarget},
	}
	for _, tt := range tests {
		server, _ := newBackendServer(t, tt.status, `denied`)
		client := newTestClient(server)
		_, err := client.PutObject(context.Background(), &PutObjectRequest{Bucket: "b", Key: "k"})
		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.kind, KindOf(err), "status %d", tt.status)
		assert.Equal(t, OriginTarget, OriginOf(err))
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	server, _ := newBackendServer(t, http.StatusOK, `{}`)
	url := server.URL
	server.Close()

	d := NewDestinationWithHosts(NewHostList([]string{url}), time.Second)
	_, err := d.Client().PutObject(context.Background(), &PutObjectRequest{Bucket: "b", Key: "k"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestFailoverRebindsClient(t *testing.T) {
	d := NewDestinationWithHosts(NewHostList([]string{"http://a", "http://b"}), time.Second)
	assert.Equal(t, "http://a", d.Client().host)
	d.Failover()
	assert.Equal(t, "http://b", d.Client().host)
	d.Failover()
	assert.Equal(t, "http://a", d.Client().host)
}
