// Package model defines the capture metadata records exchanged between the
// tenant databases, the API surface, and the archive builder.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DateTimeLayout is the canonical wire format for request dates and for the
// reformatted timestamps in search results.
const DateTimeLayout = "2006-01-02 15:04:05"

// Pagination defaults applied when the request omits them.
const (
	DefaultPageNumber = 1
	DefaultPageSize   = 20
)

// ParseDateTime parses a wire-format timestamp.
func ParseDateTime(s string) (time.Time, error) {
	t, err := time.Parse(DateTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected format %s", s, DateTimeLayout)
	}
	return t, nil
}

// FormatDateTime renders a timestamp in the wire format.
func FormatDateTime(t time.Time) string {
	return t.Format(DateTimeLayout)
}

// CaptureRecord is one row of recording metadata from a tenant capture store.
type CaptureRecord struct {
	ObjectID                  uuid.UUID  `json:"objectId"`
	DateAdded                 time.Time  `json:"dateAdded"`
	ResourceID                string     `json:"resourceId"`
	WorkstationID             string     `json:"workstationId"`
	UserID                    *uuid.UUID `json:"userId"`
	StartTime                 time.Time  `json:"startTime"`
	GmtOffset                 int        `json:"gmtOffset"`
	GmtStartTime              *time.Time `json:"gmtStartTime"`
	Duration                  int        `json:"duration"`
	TriggeredByResourceTypeID int        `json:"triggeredByResourceTypeId"`
	TriggeredByObjectID       string     `json:"triggeredByObjectId"`
	FlagID                    int        `json:"flagId"`
	Tags                      string     `json:"tags"`
	SensitivityLevel          int        `json:"sensitivityLevel"`
	ClientID                  string     `json:"clientId"`
	ChannelNum                int        `json:"channelNum"`
	ChannelName               string     `json:"channelName"`
	ExtensionNum              string     `json:"extensionNum"`
	AgentID                   string     `json:"agentId"`
	PbxDnis                   string     `json:"pbxDnis"`
	AniAliDigits              string     `json:"aniAliDigits"`
	Direction                 string     `json:"direction"`
	MediaFileID               string     `json:"mediaFileId"`
	MediaManagerID            string     `json:"mediaManagerId"`
	MediaRetention            int        `json:"mediaRetention"`
	CallID                    string     `json:"callId"`
	PreviousCallID            string     `json:"previousCallId"`
	GlobalCallID              string     `json:"globalCallId"`
	ClassOfService            int        `json:"classOfService"`
	ClassOfServiceDate        *time.Time `json:"classOfServiceDate"`
	XPlatformRef              string     `json:"xPlatformRef"`
	TranscriptResult          string     `json:"transcriptResult"`
	WarehouseObjectKey        string     `json:"warehouseObjectKey"`
	TranscriptStatus          string     `json:"transcriptStatus"`
	AudioChannels             int        `json:"audioChannels"`
	HasTalkover               *bool      `json:"hasTalkover"`
}

// UserRecord is one row of the tenant user directory. FullName is the display
// name shown in search results and matched by name filters.
type UserRecord struct {
	UserID   uuid.UUID `json:"userId"`
	FullName string    `json:"fullName"`
}

// SearchRequest is the body of the metadata search operation.
type SearchRequest struct {
	FromDate   string             `json:"from_date"`
	ToDate     string             `json:"to_date"`
	Opco       string             `json:"opco"`
	Filters    *FiltersRequest    `json:"filters,omitempty"`
	Pagination *PaginationRequest `json:"pagination,omitempty"`
}

// FiltersRequest carries the optional search filters. Absent or empty fields
// do not constrain the result set.
type FiltersRequest struct {
	ObjectIDs    []*uuid.UUID `json:"objectIDs,omitempty"`
	Direction    *int         `json:"direction,omitempty"`
	ExtensionNum []string     `json:"extensionNum,omitempty"`
	ChannelNum   []string     `json:"channelNum,omitempty"`
	AniAliDigits []string     `json:"aniAliDigits,omitempty"`
	Name         []string     `json:"name,omitempty"`
}

// PaginationRequest selects a 1-based page of search results.
type PaginationRequest struct {
	PageNumber int `json:"pageNumber"`
	PageSize   int `json:"pageSize"`
}

// Normalize clamps a pagination request to usable values.
func (p *PaginationRequest) Normalize() (page, size int) {
	page = DefaultPageNumber
	size = DefaultPageSize
	if p != nil {
		if p.PageNumber > 0 {
			page = p.PageNumber
		}
		if p.PageSize > 0 {
			size = p.PageSize
		}
	}
	return page, size
}

// PaginationResponse describes the returned page and total result counts.
type PaginationResponse struct {
	PageNumber   int   `json:"pageNumber"`
	PageSize     int   `json:"pageSize"`
	TotalRecords int64 `json:"totalRecords"`
	TotalPages   int   `json:"totalPages"`
}

// SearchResponse is the envelope returned by the search operation.
type SearchResponse struct {
	Status     string             `json:"status"`
	Message    string             `json:"message"`
	Data       []Metadata         `json:"data"`
	Pagination PaginationResponse `json:"pagination"`
}

// Metadata is the compact projection of a capture record returned by search.
// Field names (including aniAlidigts) match the established wire contract.
type Metadata struct {
	ObjectID     uuid.UUID  `json:"objectId"`
	DateAdded    string     `json:"dateAdded"`
	UserID       *uuid.UUID `json:"userId"`
	UserName     string     `json:"userName"`
	AgentID      string     `json:"agentId"`
	StartTime    string     `json:"startTime"`
	Duration     int        `json:"duration"`
	Tags         string     `json:"tags"`
	ChannelName  string     `json:"channelName"`
	CallID       string     `json:"callId"`
	AniAliDigits string     `json:"aniAlidigts"`
	ExtensionNum string     `json:"extensionNum"`
	Direction    string     `json:"direction"`
	Opco         string     `json:"opco"`
}

// CompactMetadata projects a capture record for a search result row.
func CompactMetadata(rec *CaptureRecord, userName, opco string) Metadata {
	return Metadata{
		ObjectID:     rec.ObjectID,
		DateAdded:    FormatDateTime(rec.DateAdded),
		UserID:       rec.UserID,
		UserName:     userName,
		AgentID:      rec.AgentID,
		StartTime:    FormatDateTime(rec.StartTime),
		Duration:     rec.Duration,
		Tags:         rec.Tags,
		ChannelName:  rec.ChannelName,
		CallID:       rec.CallID,
		AniAliDigits: rec.AniAliDigits,
		ExtensionNum: rec.ExtensionNum,
		Direction:    rec.Direction,
		Opco:         opco,
	}
}

// OrderedFields is a JSON object whose keys serialize in insertion order.
// The full metadata view depends on a stable field sequence, which a plain
// map cannot provide.
type OrderedFields struct {
	keys   []string
	values map[string]any
}

// NewOrderedFields returns an empty ordered object.
func NewOrderedFields() *OrderedFields {
	return &OrderedFields{values: make(map[string]any)}
}

// Set appends the key on first use and overwrites the value on repeats.
func (o *OrderedFields) Set(key string, value any) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value stored under key, if any.
func (o *OrderedFields) Get(key string) (any, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Len returns the number of stored keys.
func (o *OrderedFields) Len() int {
	return len(o.keys)
}

// MarshalJSON writes the fields as a JSON object in insertion order.
func (o *OrderedFields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// FullMetadata assembles the complete metadata view for one capture record.
// Fields are grouped: identifiers, timing, trigger and tagging, channel and
// agent, media, call identity, service classification, transcription.
func FullMetadata(rec *CaptureRecord, userName string) *OrderedFields {
	o := NewOrderedFields()
	o.Set("objectId", rec.ObjectID)
	o.Set("dateAdded", rec.DateAdded)
	o.Set("resourceId", rec.ResourceID)
	o.Set("workstationId", rec.WorkstationID)
	o.Set("userId", rec.UserID)
	o.Set("userName", userName)

	o.Set("startTime", rec.StartTime)
	o.Set("gmtOffset", rec.GmtOffset)
	o.Set("gmtStartTime", rec.GmtStartTime)
	o.Set("duration", rec.Duration)

	o.Set("triggeredByResourceTypeId", rec.TriggeredByResourceTypeID)
	o.Set("triggeredByObjectId", rec.TriggeredByObjectID)
	o.Set("flagId", rec.FlagID)
	o.Set("tags", rec.Tags)
	o.Set("sensitivityLevel", rec.SensitivityLevel)
	o.Set("clientId", rec.ClientID)

	o.Set("channelNum", rec.ChannelNum)
	o.Set("channelName", rec.ChannelName)
	o.Set("extensionNum", rec.ExtensionNum)
	o.Set("agentId", rec.AgentID)
	o.Set("pbxDnis", rec.PbxDnis)
	o.Set("aniAliDigits", rec.AniAliDigits)
	o.Set("direction", rec.Direction)

	o.Set("mediaFileId", rec.MediaFileID)
	o.Set("mediaManagerId", rec.MediaManagerID)
	o.Set("mediaRetention", rec.MediaRetention)

	o.Set("callId", rec.CallID)
	o.Set("previousCallId", rec.PreviousCallID)
	o.Set("globalCallId", rec.GlobalCallID)

	o.Set("classOfService", rec.ClassOfService)
	o.Set("classOfServiceDate", rec.ClassOfServiceDate)
	o.Set("xPlatformRef", rec.XPlatformRef)

	o.Set("transcriptResult", rec.TranscriptResult)
	o.Set("warehouseObjectKey", rec.WarehouseObjectKey)
	o.Set("transcriptStatus", rec.TranscriptStatus)
	o.Set("audioChannels", rec.AudioChannels)
	o.Set("hasTalkover", rec.HasTalkover)
	return o
}

// RecordingRequest identifies one recording for fetch or bulk download.
type RecordingRequest struct {
	Opco     string `json:"opco"`
	Date     string `json:"date"`
	Username string `json:"username"`
}

// Archive item statuses reported in the bulk download summary.
const (
	StatusSuccess  = "SUCCESS"
	StatusNotFound = "NOT_FOUND"
	StatusError    = "ERROR"
)

// ArchiveItemStatus is the per-request outcome line in the archive summary.
type ArchiveItemStatus struct {
	Username     string `json:"username"`
	Date         string `json:"date"`
	Opco         string `json:"opco"`
	ZipEntryName string `json:"zipEntryName,omitempty"`
	Status       string `json:"status"`
	Detail       string `json:"detail,omitempty"`
}

// ArchiveSummary is the machine-readable accounting embedded as the final
// entry of a bulk download archive.
type ArchiveSummary struct {
	BuildID        string              `json:"buildId"`
	GeneratedAt    time.Time           `json:"generatedAt"`
	TotalRequested int                 `json:"totalRequested"`
	SuccessCount   int                 `json:"successCount"`
	FailureCount   int                 `json:"failureCount"`
	Statuses       []ArchiveItemStatus `json:"statuses"`
}
