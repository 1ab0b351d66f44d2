package queue

// ReplicationStatus is the per-site replication state carried in object
// metadata.
type ReplicationStatus string

const (
	StatusPending   ReplicationStatus = "PENDING"
	StatusCompleted ReplicationStatus = "COMPLETED"
	StatusFailed    ReplicationStatus = "FAILED"
)

// Replication content categories. An entry may carry several, e.g. both
// DATA and MPU for a multipart object.
const (
	ContentMetadata      = "METADATA"
	ContentData          = "DATA"
	ContentMPU           = "MPU"
	ContentPutTagging    = "PUT_TAGGING"
	ContentDeleteTagging = "DELETE_TAGGING"
)

// PartLocation is one ordered element of an object's data location.
type PartLocation struct {
	PartNumber         int    `json:"partNumber"`
	PartSize           int64  `json:"partSize"`
	PartETag           string `json:"partETag,omitempty"`
	DataStoreETag      string `json:"dataStoreETag,omitempty"`
	DataStoreName      string `json:"dataStoreName,omitempty"`
	DataStoreType      string `json:"dataStoreType,omitempty"`
	DataStoreVersionID string `json:"dataStoreVersionId,omitempty"`
}

// ReplicationBackend is the status of one replication site.
type ReplicationBackend struct {
	Site               string            `json:"site"`
	Status             ReplicationStatus `json:"status"`
	DataStoreVersionID string            `json:"dataStoreVersionId,omitempty"`
}

type ReplicationInfo struct {
	Status       ReplicationStatus    `json:"status"`
	Backends     []ReplicationBackend `json:"backends"`
	Content      []string             `json:"content"`
	Destination  string               `json:"destination,omitempty"`
	StorageClass string               `json:"storageClass,omitempty"`
	StorageType  string               `json:"storageType,omitempty"`
	Role         string               `json:"role,omitempty"`
	IsNFS        bool                 `json:"isNFS,omitempty"`
}

// ObjectMD is the serialized object metadata carried in the inner value of
// an object log entry. Field names follow the source service's metadata
// format.
type ObjectMD struct {
	ContentLength      int64             `json:"content-length"`
	ContentMD5         string            `json:"content-md5"`
	ContentType        string            `json:"content-type,omitempty"`
	CacheControl       string            `json:"cache-control,omitempty"`
	ContentDisposition string            `json:"content-disposition,omitempty"`
	ContentEncoding    string            `json:"content-encoding,omitempty"`
	OwnerID            string            `json:"owner-id"`
	OwnerDisplayName   string            `json:"owner-display-name,omitempty"`
	UserMetadata       map[string]string `json:"user-metadata,omitempty"`
	Tags               map[string]string `json:"tags,omitempty"`
	VersionID          string            `json:"versionId,omitempty"`
	IsDeleteMarker     bool              `json:"isDeleteMarker,omitempty"`
	Location           []PartLocation    `json:"location"`
	Replication        ReplicationInfo   `json:"replicationInfo"`
}

func (md *ObjectMD) HasContent(category string) bool {
	for _, c := range md.Replication.Content {
		if c == category {
			return true
		}
	}
	return false
}

func (md *ObjectMD) backend(site string) *ReplicationBackend {
	for i := range md.Replication.Backends {
		if md.Replication.Backends[i].Site == site {
			return &md.Replication.Backends[i]
		}
	}
	return nil
}

func (md *ObjectMD) SiteStatus(site string) ReplicationStatus {
	if b := md.backend(site); b != nil {
		return b.Status
	}
	return ""
}

func (md *ObjectMD) SetSiteStatus(site string, status ReplicationStatus) {
	if b := md.backend(site); b != nil {
		b.Status = status
		return
	}
	md.Replication.Backends = append(md.Replication.Backends,
		ReplicationBackend{Site: site, Status: status})
}

func (md *ObjectMD) SiteDataStoreVersionID(site string) string {
	if b := md.backend(site); b != nil {
		return b.DataStoreVersionID
	}
	return ""
}

func (md *ObjectMD) SetSiteDataStoreVersionID(site, versionID string) {
	if b := md.backend(site); b != nil {
		b.DataStoreVersionID = versionID
		return
	}
	md.Replication.Backends = append(md.Replication.Backends,
		ReplicationBackend{Site: site, Status: StatusPending, DataStoreVersionID: versionID})
}

func (md *ObjectMD) SetOwner(id, displayName string) {
	md.OwnerID = id
	md.OwnerDisplayName = displayName
}

// ReducedLocations coalesces adjacent parts that share a backend identity,
// so ranged reads and destination writes are issued once per contiguous
// stretch instead of once per stored part.
func (md *ObjectMD) ReducedLocations() []PartLocation {
	if len(md.Location) == 0 {
		return nil
	}
	reduced := []PartLocation{md.Location[0]}
	for _, part := range md.Location[1:] {
		last := &reduced[len(reduced)-1]
		if part.DataStoreName == last.DataStoreName &&
			part.DataStoreVersionID == last.DataStoreVersionID {
			last.PartSize += part.PartSize
			continue
		}
		reduced = append(reduced, part)
	}
	return reduced
}
