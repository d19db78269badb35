package sync

// Result aggregates one sync invocation for a single scope.
type Result struct {
	Scope   string   `json:"scope"`
	Synced  int      `json:"synced"`
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted"`
	Errors  []string `json:"errors,omitempty"`
}

// OK reports whether the scope completed without item-level failures.
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

// Overall account sync statuses.
const (
	AccountSyncCompleted  = "completed"
	AccountSyncWithErrors = "completed_with_errors"
	AccountSyncFailed     = "failed"
)

// AccountResult aggregates a full-account sync: folder enumeration plus
// per-folder message syncs.
type AccountResult struct {
	AccountID string             `json:"account_id"`
	Status    string             `json:"status"`
	Folders   *Result            `json:"folders,omitempty"`
	Messages  map[string]*Result `json:"messages,omitempty"`
	Errors    []string           `json:"errors,omitempty"`
}
