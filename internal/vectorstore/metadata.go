package vectorstore

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Flat field names shared by the string-map backends (chromem metadata,
// redis hash fields) and the qdrant payload.
const (
	fieldText           = "text"
	fieldDocID          = "doc_id"
	fieldChunkIndex     = "chunk_index"
	fieldSecurityTags   = "security_tags"
	fieldVersionID      = "version_id"
	fieldTimestamp      = "timestamp"
	fieldSource         = "source"
	fieldClassification = "classification"
	fieldTenant         = "tenant"
)

// tagSeparator joins tags for backends that store them as one string.
// RediSearch TAG fields use it as the separator too.
const tagSeparator = ","

// toStringMap flattens metadata. Text is included; chromem stores it as the
// document content instead and drops the key.
func (m Metadata) toStringMap() map[string]string {
	tags, _ := json.Marshal(m.SecurityTags)
	return map[string]string{
		fieldText:           m.Text,
		fieldDocID:          m.DocID,
		fieldChunkIndex:     strconv.Itoa(m.ChunkIndex),
		fieldSecurityTags:   string(tags),
		fieldVersionID:      m.VersionID,
		fieldTimestamp:      m.Timestamp.UTC().Format(time.RFC3339Nano),
		fieldSource:         m.Source,
		fieldClassification: m.Classification,
		fieldTenant:         m.Tenant,
	}
}

// metadataFromStringMap is the inverse of toStringMap. Malformed numeric or
// time fields decode to zero values.
func metadataFromStringMap(fields map[string]string) Metadata {
	m := Metadata{
		Text:           fields[fieldText],
		DocID:          fields[fieldDocID],
		VersionID:      fields[fieldVersionID],
		Source:         fields[fieldSource],
		Classification: fields[fieldClassification],
		Tenant:         fields[fieldTenant],
	}
	m.ChunkIndex, _ = strconv.Atoi(fields[fieldChunkIndex])
	if ts, err := time.Parse(time.RFC3339Nano, fields[fieldTimestamp]); err == nil {
		m.Timestamp = ts
	}
	m.SecurityTags = decodeTags(fields[fieldSecurityTags])
	return m
}

// decodeTags accepts a JSON array or a separator-joined list.
func decodeTags(s string) []string {
	if s == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err == nil {
		return tags
	}
	return splitTags(s)
}

func splitTags(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return string(r) == tagSeparator })
}
