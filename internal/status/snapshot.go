package status

import (
	"sort"
	"time"
)

// Snapshot is a point in time copy of a Status suitable for JSON.
type Snapshot struct {
	Key              string            `json:"key"`
	AUID             string            `json:"auid"`
	AUName           string            `json:"au_name"`
	Type             string            `json:"type"`
	Priority         int               `json:"priority"`
	Status           string            `json:"status"`
	Message          string            `json:"message"`
	StartTime        *time.Time        `json:"start_time,omitempty"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	Depth            int               `json:"depth"`
	RefetchDepth     int               `json:"refetch_depth"`
	NumFetched       int               `json:"num_fetched"`
	NumParsed        int               `json:"num_parsed"`
	NumNotModified   int               `json:"num_not_modified"`
	NumExcluded      int               `json:"num_excluded"`
	NumExcludedOther int               `json:"num_excluded_excludes"`
	NumPending       int               `json:"num_pending"`
	NumErrors        int               `json:"num_errors"`
	BytesFetched     int64             `json:"bytes_fetched"`
	StartURLs        []string          `json:"start_urls,omitempty"`
	Sources          []string          `json:"sources,omitempty"`
	MimeCounts       map[string]int    `json:"mime_counts,omitempty"`
	Fetched          []string          `json:"fetched,omitempty"`
	Parsed           []string          `json:"parsed,omitempty"`
	NotModified      []string          `json:"not_modified,omitempty"`
	Excluded         map[string]string `json:"excluded,omitempty"`
	Pending          []string          `json:"pending,omitempty"`
	Errors           []URLError        `json:"errors,omitempty"`
}

// Snapshot copies the status. With detail set, url lists are included.
func (s *Status) Snapshot(detail bool) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg := s.msg
	if msg == "" {
		msg = s.code.DefaultMessage()
	}
	snap := Snapshot{
		Key:              s.key,
		AUID:             s.auid,
		AUName:           s.auName,
		Type:             string(s.crawlType),
		Priority:         s.priority,
		Status:           s.code.String(),
		Message:          msg,
		Depth:            s.depth,
		RefetchDepth:     s.refetchDepth,
		NumFetched:       s.fetched.count,
		NumParsed:        s.parsed.count,
		NumNotModified:   s.notModified.count,
		NumExcluded:      s.excludedN,
		NumExcludedOther: s.droppedExcludes,
		NumPending:       len(s.pending),
		NumErrors:        len(s.errors),
		BytesFetched:     s.bytes,
	}
	if !s.start.IsZero() {
		start := s.start
		snap.StartTime = &start
	}
	if !s.end.IsZero() {
		end := s.end
		snap.EndTime = &end
	}
	if !detail {
		return snap
	}

	snap.StartURLs = append([]string(nil), s.startURLs...)
	snap.Sources = append([]string(nil), s.sources...)
	snap.Fetched = append([]string(nil), s.fetched.urls...)
	snap.Parsed = append([]string(nil), s.parsed.urls...)
	snap.NotModified = append([]string(nil), s.notModified.urls...)
	if len(s.mimes) > 0 {
		snap.MimeCounts = make(map[string]int, len(s.mimes))
		for k, v := range s.mimes {
			snap.MimeCounts[k] = v.count
		}
	}
	if len(s.excluded) > 0 {
		snap.Excluded = make(map[string]string, len(s.excluded))
		for k, v := range s.excluded {
			snap.Excluded[k] = v
		}
	}
	for u := range s.pending {
		snap.Pending = append(snap.Pending, u)
	}
	sort.Strings(snap.Pending)
	for _, u := range s.errorOrder {
		snap.Errors = append(snap.Errors, s.errors[u])
	}
	return snap
}
