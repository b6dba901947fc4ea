package crawler

import (
	"time"
)

// Kind classifies a catalog URL.
type Kind string

// URL kinds produced by the classifier.
const (
	KindRoot   Kind = "root"
	KindBranch Kind = "branch"
	KindLeaf   Kind = "leaf"
	KindIgnore Kind = "ignore"
)

// Task is one unit of queued work: fetch a path within a session.
type Task struct {
	Session   string `json:"session"`
	Path      string `json:"path"`
	Kind      Kind   `json:"kind"`
	RootPath  string `json:"root_path"`
	Submitted int64  `json:"submitted"`
}

// Record is the structured data extracted from one catalog page.
type Record struct {
	Category        string   `json:"category"`
	Name            string   `json:"name"`
	Providers       []string `json:"providers"`
	PrimaryPerson   string   `json:"primary_person"`
	Description     string   `json:"description"`
	PopulationCount int64    `json:"population_count"`
	RatingCount     int64    `json:"rating_count"`
	// CategoryPath is the href of the top-level breadcrumb. It is only used
	// by the category filter and never exported.
	CategoryPath string `json:"category_path,omitempty"`
}

// Phase is the persisted lifecycle stage of a crawl session.
type Phase string

// Session phases persisted in the state store.
const (
	PhaseAbsent   Phase = ""
	PhaseSeeding  Phase = "seeding"
	PhaseCrawling Phase = "crawling"
	PhaseDraining Phase = "draining"
	PhaseExported Phase = "exported"
	PhaseEmpty    Phase = "empty"
	PhaseFailed   Phase = "failed"
)

// Active reports whether a session in this phase still owns in-flight work.
func (p Phase) Active() bool {
	switch p {
	case PhaseSeeding, PhaseCrawling, PhaseDraining:
		return true
	default:
		return false
	}
}

// SessionStats summarizes the store-side state of a session.
type SessionStats struct {
	Session    string `json:"session"`
	Phase      Phase  `json:"phase"`
	Processing int64  `json:"processing"`
	Finished   int64  `json:"finished"`
	Records    int64  `json:"records"`
}

// Complete reports whether the task graph has drained: nothing is processing
// and at least one URL has finished.
func (s SessionStats) Complete() bool {
	return s.Processing == 0 && s.Finished > 0
}

// Page is the decoded result of a successful fetch.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Export is a finished session's CSV as read back from the blob store.
type Export struct {
	Session string
	Path    string
	Data    []byte
}

// SessionEvent is published once a session finishes draining.
type SessionEvent struct {
	Session   string    `json:"session"`
	RunID     string    `json:"run_id"`
	Records   int       `json:"records"`
	Complete  bool      `json:"complete"`
	ExportURI string    `json:"export_uri,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
