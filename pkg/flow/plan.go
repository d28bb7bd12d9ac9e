package flow

// Plan declares the stage labels a flow runs, per phase. Ordering within each
// list is authoritative.
type Plan struct {
	Name     string
	Pre      []string
	Execute  []string
	Post     []string
	Finalize []string
	Error    []string
}

// Default stage labels shared by the standard plan.
const (
	StageBindProviders    = "bindProviders"
	StageAcquireQuota     = "acquireQuota"
	StageAcquireSemaphore = "acquireSemaphore"
	StageParseInput       = "parseInput"
	StageDeductInput      = "deductInput"
	StageValidateInput    = "validateInput"
	StageRedactOutput     = "redactOutput"
	StageValidateOutput   = "validateOutput"
	StageAudit            = "audit"
	StageMetrics          = "metrics"
	StageError            = "error"
)

// DefaultPlan returns the standard plan applied to operations that do not
// override it. The execute list is flow-specific and supplied by the caller.
func DefaultPlan(name string, execute ...string) Plan {
	return Plan{
		Name: name,
		Pre: []string{
			StageBindProviders,
			StageAcquireQuota,
			StageAcquireSemaphore,
			StageParseInput,
			StageDeductInput,
			StageValidateInput,
		},
		Execute:  execute,
		Post:     []string{StageRedactOutput, StageValidateOutput},
		Finalize: []string{StageAudit, StageMetrics},
		Error:    []string{StageError},
	}
}

// labels returns every stage label the plan mentions.
func (p Plan) labels() map[string]struct{} {
	out := make(map[string]struct{})
	for _, list := range [][]string{p.Pre, p.Execute, p.Post, p.Finalize, p.Error} {
		for _, s := range list {
			out[s] = struct{}{}
		}
	}
	return out
}
