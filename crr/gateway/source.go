package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/cloudcrr/cloudcrr/crr/queue"
	"github.com/cloudcrr/cloudcrr/crr/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// metadataRoute is the source service's internal metadata surface.
const metadataRoute = "/_/crossbackend/metadata"

// SourceGateway reads object data, object metadata and bucket replication
// policies from the source object service.
type SourceGateway struct {
	conn       s3iface.S3API
	endpoint   string
	httpClient *http.Client
}

func NewSourceGateway(config util.Configuration, prefix string) (*SourceGateway, error) {
	glog.V(0).Infof("source.s3.region: %v", config.GetString(prefix+"region"))
	glog.V(0).Infof("source.s3.endpoint: %v", config.GetString(prefix+"endpoint"))
	return newSourceGateway(
		config.GetString(prefix+"aws_access_key_id"),
		config.GetString(prefix+"aws_secret_access_key"),
		config.GetString(prefix+"region"),
		config.GetString(prefix+"endpoint"),
		config.GetString(prefix+"role_arn"),
	)
}

func newSourceGateway(awsAccessKeyId, awsSecretAccessKey, region, endpoint, roleArn string) (*SourceGateway, error) {
	config := &aws.Config{
		Region:                        aws.String(region),
		Endpoint:                      aws.String(endpoint),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
	}
	if awsAccessKeyId != "" && awsSecretAccessKey != "" {
		config.Credentials = credentials.NewStaticCredentials(awsAccessKeyId, awsSecretAccessKey, "")
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %v", err)
	}
	conn := s3.New(sess)
	if roleArn != "" {
		conn = s3.New(sess, aws.NewConfig().WithCredentials(stscreds.NewCredentials(sess, roleArn)))
	}

	return &SourceGateway{
		conn:       conn,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// GetBucketReplication fetches the bucket's replication policy.
func (g *SourceGateway) GetBucketReplication(ctx context.Context, bucket string) (*s3.ReplicationConfiguration, error) {
	out, err := g.conn.GetBucketReplicationWithContext(ctx, &s3.GetBucketReplicationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return nil, translateAWSError(OriginSource, err)
	}
	return out.ReplicationConfiguration, nil
}

// GetMetadata fetches the current serialized metadata of one object
// version from the source's metadata route.
func (g *SourceGateway) GetMetadata(ctx context.Context, bucket, key, versionID string) (*queue.ObjectMD, error) {
	u := fmt.Sprintf("%s%s/%s/%s", g.endpoint, metadataRoute,
		url.PathEscape(bucket), url.PathEscape(key))
	if versionID != "" {
		u += "?versionId=" + url.QueryEscape(versionID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewTransient(OriginSource, "BadRequest", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, NewTransient(OriginSource, "NetworkError", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, NewObjNotFound(OriginSource, fmt.Errorf("metadata %s/%s not found", bucket, key))
	case resp.StatusCode >= 500:
		return nil, NewTransient(OriginSource, fmt.Sprintf("HTTP%d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, NewError(KindPermanentSource, OriginSource,
			fmt.Sprintf("HTTP%d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransient(OriginSource, "NetworkError", err)
	}
	md := &queue.ObjectMD{}
	if err := json.Unmarshal(body, md); err != nil {
		// un-parseable metadata is not recoverable by retrying
		return nil, NewError(KindPermanentTarget, OriginSource, "InternalError", err)
	}
	return md, nil
}

// GetObject opens a (possibly ranged) read of the source object. Errors
// from the byte stream surface through the returned reader, first error
// wins.
func (g *SourceGateway) GetObject(ctx context.Context, bucket, key, versionID string, rng *Range, partNumber int) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	if rng != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}
	if partNumber > 0 {
		input.PartNumber = aws.Int64(int64(partNumber))
	}

	out, err := g.conn.GetObjectWithContext(ctx, input)
	if err != nil {
		return nil, translateAWSError(OriginSource, err)
	}
	return &objectStream{body: out.Body}, nil
}

// Range is an inclusive byte range of a source read.
type Range struct {
	Start int64
	End   int64
}

// objectStream records the first terminal read error and keeps returning
// it, so a stream never reports more than one failure.
type objectStream struct {
	body io.ReadCloser
	mu   sync.Mutex
	err  error
}

func (s *objectStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.err != nil {
		defer s.mu.Unlock()
		return 0, s.err
	}
	s.mu.Unlock()

	n, err := s.body.Read(p)
	if err != nil && err != io.EOF {
		err = NewTransient(OriginSource, "StreamError", err)
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		err = s.err
		s.mu.Unlock()
	}
	return n, err
}

func (s *objectStream) Close() error {
	return s.body.Close()
}

func translateAWSError(origin Origin, err error) error {
	if err == nil {
		return nil
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		if reqErr.StatusCode() == http.StatusNotFound {
			return NewObjNotFound(origin, err)
		}
		if reqErr.StatusCode() >= 500 || reqErr.StatusCode() == http.StatusTooManyRequests {
			return NewTransient(origin, reqErr.Code(), err)
		}
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound", "NoSuchVersion":
			return NewObjNotFound(origin, err)
		case "NoSuchEntity", "AccessDenied", "BadRole", "InvalidAccessKeyId",
			"SignatureDoesNotMatch", "ReplicationConfigurationNotFoundError":
			return NewError(KindPermanentSource, origin, aerr.Code(), err)
		case "SlowDown", "Throttling", "RequestTimeout", "RequestTimeTooSkewed",
			"InternalError", "ServiceUnavailable":
			return NewTransient(origin, aerr.Code(), err)
		}
	}
	return NewTransient(origin, "NetworkError", err)
}
