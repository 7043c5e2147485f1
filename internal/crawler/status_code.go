package crawler

// StatusCode is the lifecycle/result code of a crawl.
type StatusCode int

// Crawl status codes. The numeric values are persisted in crawl history.
const (
	StatusUnknown StatusCode = iota
	StatusQueued
	StatusActive
	StatusSuccessful
	StatusError
	StatusAborted
	StatusWindowClosed
	StatusFetchError
	StatusNoPubPermission
	StatusPluginError
	StatusRepoError
	StatusRunningAtCrash
	StatusExtractorError
)

// Well-known status and per-url error messages.
const (
	MsgHostPermission        = "No permission for host"
	MsgNoPermissionStatement = "No permission statement on permission page"
	MsgUnableToFetchPerm     = "Unable to fetch permission page"
	MsgStartURL              = "Failed to fetch start url"
	MsgAbortedBeforeStart    = "Crawl aborted before start"
)

var statusNames = map[StatusCode]string{
	StatusUnknown:         "UNKNOWN",
	StatusQueued:          "QUEUED",
	StatusActive:          "ACTIVE",
	StatusSuccessful:      "SUCCESSFUL",
	StatusError:           "ERROR",
	StatusAborted:         "ABORTED",
	StatusWindowClosed:    "WINDOW_CLOSED",
	StatusFetchError:      "FETCH_ERROR",
	StatusNoPubPermission: "NO_PUB_PERMISSION",
	StatusPluginError:     "PLUGIN_ERROR",
	StatusRepoError:       "REPO_ERR",
	StatusRunningAtCrash:  "RUNNING_AT_CRASH",
	StatusExtractorError:  "EXTRACTOR_ERROR",
}

var defaultMessages = map[StatusCode]string{
	StatusUnknown:         "Unknown",
	StatusQueued:          "Pending",
	StatusActive:          "Active",
	StatusSuccessful:      "Successful",
	StatusError:           "Error",
	StatusAborted:         "Aborted",
	StatusWindowClosed:    "Interrupted by crawl window",
	StatusFetchError:      "Fetch error",
	StatusNoPubPermission: "No permission from publisher",
	StatusPluginError:     "Plugin error",
	StatusRepoError:       "Repository error",
	StatusRunningAtCrash:  "Interrupted by plugin reload or daemon exit",
	StatusExtractorError:  "Link extractor error",
}

// String returns the upper-case name of the code.
func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return statusNames[StatusUnknown]
}

// DefaultMessage returns the human readable message used when no explicit
// message accompanies the code.
func (c StatusCode) DefaultMessage() string {
	if msg, ok := defaultMessages[c]; ok {
		return msg
	}
	return defaultMessages[StatusUnknown]
}

// IsTerminal reports whether a crawl carrying the code has finished.
func (c StatusCode) IsTerminal() bool {
	switch c {
	case StatusUnknown, StatusQueued, StatusActive:
		return false
	default:
		return true
	}
}

// IsSuccess reports whether the code is StatusSuccessful.
func (c StatusCode) IsSuccess() bool {
	return c == StatusSuccessful
}

// ParseStatusCode maps a name produced by String back to its code.
func ParseStatusCode(name string) (StatusCode, bool) {
	for code, n := range statusNames {
		if n == name {
			return code, true
		}
	}
	return StatusUnknown, false
}
