package variance

import (
	"fmt"
	"time"
)

// Record captures one actual-vs-forecast comparison. Exactly one record
// exists per (workflow, period) pair; duplicate ingestion is rejected.
type Record struct {
	ID                 string    `json:"id"`
	WorkflowID         string    `json:"workflowId"`
	Period             int       `json:"period"`
	ActualQty          float64   `json:"actualQty"`
	CumulativeForecast float64   `json:"cumulativeForecast"`
	CumulativeActual   float64   `json:"cumulativeActual"`
	VariancePct        float64   `json:"variancePct"`
	ThresholdExceeded  bool      `json:"thresholdExceeded"`
	ReforecastID       string    `json:"reforecastId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// RecordID builds the storage key for a (workflow, period) pair.
func RecordID(workflowID string, period int) string {
	return fmt.Sprintf("%s-p%d", workflowID, period)
}
