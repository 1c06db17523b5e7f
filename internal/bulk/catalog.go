// Package bulk populates the cache ahead of user requests by running every
// report of a catalog over a set of agencies and windows.
package bulk

import (
	"strings"

	"github.com/quualle/AgencyReporter/internal/reportcache"
)

// Report is one cacheable report endpoint. Path may contain {agency_id}.
type Report struct {
	Name     string
	Category string
	Path     string
	// AgencyQuery passes the agency as a query parameter instead of in the path
	AgencyQuery bool
}

// Catalog lists the reports refreshed by a full preload
var Catalog = []Report{
	{Name: "quotas", Category: "quotas", Path: "quotas/{agency_id}/all"},
	{Name: "cancellation_before_arrival", Category: "quotas", Path: "quotas/{agency_id}/cancellation-before-arrival"},
	{Name: "reaction_times", Category: "reaction_times", Path: "reaction_times/{agency_id}"},
	{Name: "arrival_to_cancellation", Category: "reaction_times", Path: "reaction_times/{agency_id}/arrival_to_cancellation"},
	{Name: "early_end_reasons", Category: "quotas", Path: "quotas_with_reasons/{agency_id}/early-end-reasons"},
	{Name: "cancellation_reasons", Category: "quotas", Path: "quotas_with_reasons/{agency_id}/cancellation-reasons"},
	{Name: "problematic_stays", Category: "problematic_stays", Path: "problematic_stays/overview", AgencyQuery: true},
}

// Job is one report for one agency and window
type Job struct {
	Report   Report
	AgencyID string
	Window   string
}

// Endpoint returns the report path with the agency filled in
func (j Job) Endpoint() string {
	return strings.ReplaceAll(j.Report.Path, "{agency_id}", j.AgencyID)
}

// Params returns the query parameters of the job
func (j Job) Params() map[string]any {
	params := map[string]any{"time_period": j.Window}
	if j.Report.AgencyQuery {
		params["agency_id"] = j.AgencyID
	}
	return params
}

// Request converts the job to a preload cache request
func (j Job) Request() reportcache.Request {
	return reportcache.Request{
		Endpoint:   j.Endpoint(),
		Params:     j.Params(),
		Category:   j.Report.Category,
		AgencyID:   j.AgencyID,
		TimeWindow: j.Window,
		Preloaded:  true,
	}
}

// Plan is the parameter matrix of one run
type Plan struct {
	ScopeID  string
	Agencies []string
	Windows  []string
	Reports  []Report
	// SkipFresh leaves datasets alone whose freshness record is still valid
	SkipFresh bool
}

// Jobs expands the matrix, agency by agency
func (p Plan) Jobs() []Job {
	reports := p.Reports
	if len(reports) == 0 {
		reports = Catalog
	}
	windows := p.Windows
	if len(windows) == 0 {
		windows = reportcache.DefaultWindows
	}

	jobs := make([]Job, 0, len(p.Agencies)*len(windows)*len(reports))
	for _, agency := range p.Agencies {
		for _, window := range windows {
			for _, report := range reports {
				jobs = append(jobs, Job{Report: report, AgencyID: agency, Window: window})
			}
		}
	}
	return jobs
}
