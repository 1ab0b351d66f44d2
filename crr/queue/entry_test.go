package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseValue(t *testing.T, value string) Entry {
	t.Helper()
	entry, err := ParseEntry(Record{Value: []byte(value)})
	require.NoError(t, err)
	return entry
}

func TestParseObjectEntry(t *testing.T) {
	entry := parseValue(t, `{
		"type": "put",
		"bucket": "photos",
		"key": "cat.jpg\u0000v1",
		"value": {
			"content-length": 1024,
			"content-md5": "d41d8cd98f",
			"owner-id": "owner-1",
			"location": [{"partNumber": 1, "partSize": 1024, "dataStoreETag": "1:abc"}],
			"replicationInfo": {
				"status": "PENDING",
				"backends": [{"site": "aws-site-1", "status": "PENDING"}],
				"content": ["DATA", "METADATA"],
				"storageType": "aws_s3"
			}
		}
	}`)

	obj, ok := entry.(*ObjectEntry)
	require.True(t, ok, "got %T", entry)
	assert.Equal(t, "photos", obj.Bucket)
	assert.Equal(t, "cat.jpg", obj.Key)
	assert.Equal(t, "v1", obj.VersionID)
	assert.Equal(t, int64(1024), obj.MD.ContentLength)
	assert.Equal(t, StatusPending, obj.MD.Replication.Status)
	assert.True(t, obj.MD.HasContent(ContentData))
	assert.False(t, obj.MD.HasContent(ContentMPU))
}

func TestParseObjectEntryVersionFromValue(t *testing.T) {
	entry := parseValue(t, `{
		"type": "put",
		"bucket": "photos",
		"key": "cat.jpg",
		"value": {"content-length": 1, "owner-id": "o", "versionId": "v7", "location": [], "replicationInfo": {"status": "PENDING"}}
	}`)
	obj := entry.(*ObjectEntry)
	assert.Equal(t, "v7", obj.VersionID, "version falls back to the inner metadata")
}

func TestParseDeleteEntry(t *testing.T) {
	entry := parseValue(t, `{"type": "del", "bucket": "photos", "key": "cat.jpg\u0000v1"}`)
	del, ok := entry.(*DeleteEntry)
	require.True(t, ok, "got %T", entry)
	assert.Equal(t, "photos", del.Bucket)
	assert.Equal(t, "cat.jpg\x00v1", del.VersionedKey)
}

func TestParseBucketEntry(t *testing.T) {
	entry := parseValue(t, `{"type": "put", "bucket": "usersBucket", "key": "new-bucket", "value": {"ignored": true}}`)
	bucket, ok := entry.(*BucketEntry)
	require.True(t, ok, "got %T", entry)
	assert.Equal(t, "new-bucket", bucket.Name)

	// a null value also announces a bucket
	entry = parseValue(t, `{"type": "put", "bucket": "photos", "key": "photos-2", "value": null}`)
	bucket, ok = entry.(*BucketEntry)
	require.True(t, ok, "got %T", entry)
	assert.Equal(t, "photos-2", bucket.Name)
}

func TestParseBucketMdEntry(t *testing.T) {
	entry := parseValue(t, `{"type": "put", "bucket": "photos", "key": "photos", "value": {"acl": "private"}}`)
	md, ok := entry.(*BucketMdEntry)
	require.True(t, ok, "got %T", entry)
	assert.Equal(t, "photos", md.Name)
	assert.JSONEq(t, `{"acl": "private"}`, string(md.Value))
}

func TestParseActionEntry(t *testing.T) {
	entry := parseValue(t, `{
		"type": "put",
		"bucket": "photos",
		"key": "cat.jpg",
		"value": {"action": "copyData", "target": {"bucket": "photos", "key": "cat.jpg", "version": "v1", "site": "aws-site-1"}}
	}`)
	action, ok := entry.(*ActionEntry)
	require.True(t, ok, "got %T", entry)
	assert.Equal(t, "copyData", action.ActionType)
	assert.Equal(t, "photos", action.Parameters.Bucket)
	assert.Equal(t, "v1", action.Parameters.VersionID)
	assert.Equal(t, "aws-site-1", action.Parameters.Site)
}

func TestParseMalformedEntries(t *testing.T) {
	malformed := []string{
		``,
		`not json`,
		`{"bucket": "b", "key": "k"}`,
		`{"type": "put", "key": "k"}`,
		`{"type": "frobnicate", "bucket": "b", "key": "k"}`,
		`{"type": "put", "bucket": "b", "key": "k", "value": "not an object"}`,
	}
	for _, value := range malformed {
		_, err := ParseEntry(Record{Value: []byte(value)})
		require.Error(t, err, "value %q", value)
		assert.ErrorIs(t, err, ErrMalformed, "value %q", value)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	entries := []Entry{
		&ObjectEntry{
			Bucket:    "photos",
			Key:       "cat.jpg",
			VersionID: "v1",
			MD: &ObjectMD{
				ContentLength: 1024,
				OwnerID:       "owner-1",
				Location:      []PartLocation{{PartNumber: 1, PartSize: 1024, DataStoreETag: "1:abc"}},
				Replication: ReplicationInfo{
					Status:   StatusCompleted,
					Backends: []ReplicationBackend{{Site: "aws-site-1", Status: StatusCompleted}},
					Content:  []string{ContentData},
				},
			},
		},
		&DeleteEntry{Bucket: "photos", VersionedKey: "cat.jpg\x00v1"},
		&BucketEntry{Name: "new-bucket"},
		&BucketMdEntry{Name: "photos", Value: []byte(`{"acl":"private"}`)},
	}
	for _, entry := range entries {
		raw, err := Serialize(entry)
		require.NoError(t, err)
		parsed, err := ParseEntry(Record{Value: raw})
		require.NoError(t, err)
		assert.Equal(t, entry, parsed, "%T must survive the round trip", entry)
	}
}

func TestSerializeActionEntryKeepsRaw(t *testing.T) {
	raw := `{"action":"copyData","target":{"bucket":"b","key":"k"},"extra":"kept"}`
	entry := parseValue(t, `{"type":"put","bucket":"b","key":"k","value":`+raw+`}`)
	action := entry.(*ActionEntry)

	out, err := Serialize(action)
	require.NoError(t, err)
	var env struct {
		Value map[string]interface{} `json:"value"`
	}
	require.NoError(t, json.Unmarshal(out, &env))
	assert.Equal(t, "kept", env.Value["extra"], "unknown action fields survive republication")
}

func TestVersionedKeySplitJoin(t *testing.T) {
	key, version := SplitVersionedKey("cat.jpg\x00v1")
	assert.Equal(t, "cat.jpg", key)
	assert.Equal(t, "v1", version)

	key, version = SplitVersionedKey("cat.jpg")
	assert.Equal(t, "cat.jpg", key)
	assert.Equal(t, "", version)

	assert.Equal(t, "cat.jpg\x00v1", JoinVersionedKey("cat.jpg", "v1"))
	assert.Equal(t, "cat.jpg", JoinVersionedKey("cat.jpg", ""))
}
