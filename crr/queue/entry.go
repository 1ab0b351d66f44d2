package queue

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformed marks a log record that cannot be decoded into an entry.
// The worker logs and drops such records; the offset still advances.
var ErrMalformed = errors.New("malformed queue entry")

// Record is one raw message delivered from the log bus.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

type EntryKind int

const (
	KindObject EntryKind = iota
	KindDelete
	KindBucket
	KindBucketMd
	KindAction
)

// Entry is the tagged variant of a parsed log record. The task dispatcher
// switches exhaustively on the concrete type.
type Entry interface {
	Kind() EntryKind
}

// versionSep separates the object key from the version id in a versioned
// key, matching the source service's internal versioning format.
const versionSep = "\x00"

func SplitVersionedKey(versionedKey string) (key, versionID string) {
	if i := strings.Index(versionedKey, versionSep); i >= 0 {
		return versionedKey[:i], versionedKey[i+1:]
	}
	return versionedKey, ""
}

func JoinVersionedKey(key, versionID string) string {
	if versionID == "" {
		return key
	}
	return key + versionSep + versionID
}

// envelope is the outer JSON layer of every record value.
type envelope struct {
	Type   string              `json:"type"`
	Bucket string              `json:"bucket"`
	Key    string              `json:"key"`
	Value  jsoniter.RawMessage `json:"value"`
}

// usersBucket is the special bucket whose entries announce bucket
// creation; its keys name the created buckets.
const usersBucket = "usersBucket"

type ObjectEntry struct {
	Bucket    string
	Key       string
	VersionID string
	MD        *ObjectMD
}

func (e *ObjectEntry) Kind() EntryKind { return KindObject }

func (e *ObjectEntry) VersionedKey() string {
	return JoinVersionedKey(e.Key, e.VersionID)
}

type DeleteEntry struct {
	Bucket       string
	VersionedKey string
}

func (e *DeleteEntry) Kind() EntryKind { return KindDelete }

type BucketEntry struct {
	Name string
}

func (e *BucketEntry) Kind() EntryKind { return KindBucket }

type BucketMdEntry struct {
	Name  string
	Value []byte
}

func (e *BucketMdEntry) Kind() EntryKind { return KindBucketMd }

type ActionEntry struct {
	ActionType string              `json:"action"`
	Parameters ActionParameters    `json:"target"`
	Raw        jsoniter.RawMessage `json:"-"`
}

type ActionParameters struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	VersionID string `json:"version,omitempty"`
	Site      string `json:"site,omitempty"`
}

func (e *ActionEntry) Kind() EntryKind { return KindAction }

// ParseEntry decodes a raw log record into its tagged variant.
func ParseEntry(rec Record) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(rec.Value, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" || env.Bucket == "" || env.Key == "" {
		return nil, fmt.Errorf("%w: missing type, bucket or key", ErrMalformed)
	}

	switch env.Type {
	case "del":
		return &DeleteEntry{Bucket: env.Bucket, VersionedKey: env.Key}, nil
	case "put":
		return parsePut(&env)
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
}

func parsePut(env *envelope) (Entry, error) {
	if env.Bucket == usersBucket {
		return &BucketEntry{Name: env.Key}, nil
	}
	if len(env.Value) == 0 || string(env.Value) == "null" {
		return &BucketEntry{Name: env.Key}, nil
	}
	if env.Bucket == env.Key {
		return &BucketMdEntry{Name: env.Key, Value: env.Value}, nil
	}

	// action entries carry an "action" field in the inner value
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(env.Value, &probe); err == nil && probe.Action != "" {
		action := &ActionEntry{Raw: env.Value}
		if err := json.Unmarshal(env.Value, action); err != nil {
			return nil, fmt.Errorf("%w: action entry: %v", ErrMalformed, err)
		}
		return action, nil
	}

	md := &ObjectMD{}
	if err := json.Unmarshal(env.Value, md); err != nil {
		return nil, fmt.Errorf("%w: object metadata: %v", ErrMalformed, err)
	}
	key, versionID := SplitVersionedKey(env.Key)
	if versionID == "" {
		versionID = md.VersionID
	}
	return &ObjectEntry{
		Bucket:    env.Bucket,
		Key:       key,
		VersionID: versionID,
		MD:        md,
	}, nil
}

// Serialize is the inverse of ParseEntry for every variant; the output is
// suitable for republication on the log bus.
func Serialize(e Entry) ([]byte, error) {
	switch entry := e.(type) {
	case *ObjectEntry:
		inner, err := json.Marshal(entry.MD)
		if err != nil {
			return nil, err
		}
		return json.Marshal(envelope{
			Type:   "put",
			Bucket: entry.Bucket,
			Key:    entry.VersionedKey(),
			Value:  inner,
		})
	case *DeleteEntry:
		return json.Marshal(envelope{
			Type:   "del",
			Bucket: entry.Bucket,
			Key:    entry.VersionedKey,
		})
	case *BucketEntry:
		return json.Marshal(envelope{
			Type:   "put",
			Bucket: usersBucket,
			Key:    entry.Name,
		})
	case *BucketMdEntry:
		return json.Marshal(envelope{
			Type:   "put",
			Bucket: entry.Name,
			Key:    entry.Name,
			Value:  jsoniter.RawMessage(entry.Value),
		})
	case *ActionEntry:
		inner := entry.Raw
		if len(inner) == 0 {
			var err error
			inner, err = json.Marshal(entry)
			if err != nil {
				return nil, err
			}
		}
		return json.Marshal(envelope{
			Type:   "put",
			Bucket: entry.Parameters.Bucket,
			Key:    JoinVersionedKey(entry.Parameters.Key, entry.Parameters.VersionID),
			Value:  inner,
		})
	}
	return nil, fmt.Errorf("unknown entry kind %T", e)
}
