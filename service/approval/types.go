package approval

// Action discriminates the two operations on a human-gated decision point.
type Action string

const (
	// ActionPreview recomputes the recommendation without side effects.
	ActionPreview Action = "preview"
	// ActionCommit writes the recommendation into the workflow result and
	// resumes the state machine.
	ActionCommit Action = "commit"
)

// Request carries a human approval action. Sensitivity is the adjustable
// knob: it scales the demand gap into a safety-stock recommendation.
type Request struct {
	WorkflowID  string  `json:"workflowId"`
	Action      Action  `json:"action"`
	Sensitivity float64 `json:"sensitivity"`
}

// Response echoes the derived recommendation and the rationale explaining
// which branch of the formula fired, so observers can audit the decision
// without re-deriving it.
type Response struct {
	WorkflowID     string  `json:"workflowId"`
	Action         Action  `json:"action"`
	Recommendation float64 `json:"recommendation"`
	Rationale      string  `json:"rationale"`
	Committed      bool    `json:"committed"`
}

// Result snapshot keys written on commit.
const (
	ResultKeyRecommendation = "approvedSafetyStockPct"
	ResultKeyRationale      = "approvalRationale"
	ResultKeySensitivity    = "approvalSensitivity"
)
