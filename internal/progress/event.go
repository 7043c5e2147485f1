// Package progress defines the event structures emitted by running crawls.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart Stage = "CRAWL_START"
	StageCrawlDone  Stage = "CRAWL_DONE"
	StageCrawlError Stage = "CRAWL_ERROR"
	StageFetchDone  Stage = "FETCH_DONE"
	StageFetchError Stage = "FETCH_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawl progress.
type Event struct {
	// CrawlID uniquely identifies a crawl run using the 16-byte UUID form.
	CrawlID [16]byte
	// AUID names the archival unit being crawled.
	AUID string
	// CrawlType is new_content or repair; set on CRAWL_START.
	CrawlType string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Host scopes fetch events to a host label.
	Host string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Bytes carries the response size delta for the fetch.
	Bytes int64
	// Fetches increments by one for each completed fetch.
	Fetches int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures execution latency for fetches and crawl completions.
	Dur time.Duration
	// Result is the crawl status name on CRAWL_DONE and CRAWL_ERROR.
	Result string
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CrawlID == [16]byte{} {
		return errors.New("crawl id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart:
		if e.AUID == "" {
			return errors.New("crawl start requires auid")
		}
	case StageCrawlDone, StageCrawlError:
	case StageFetchDone:
		if e.Host == "" {
			return errors.New("fetch done requires host")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageFetchError:
		if e.Host == "" {
			return errors.New("fetch error requires host")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a crawl.
func (e Event) Terminal() bool {
	return e.Stage == StageCrawlDone || e.Stage == StageCrawlError
}

// CrawlUUID converts the binary crawl ID to uuid.UUID for repositories.
func (e Event) CrawlUUID() uuid.UUID {
	return uuid.UUID(e.CrawlID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
