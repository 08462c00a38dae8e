package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/voxrelay/voxrelay/internal/broadcast"
	apperrors "github.com/voxrelay/voxrelay/internal/pkg/errors"
)

// Stage is a position in the message state machine.
type Stage string

// Stages in order. Rejected is reachable from Received or Validated; Failed
// follows a dependency failure after Validated and nothing is rolled back.
const (
	StageReceived      Stage = "RECEIVED"
	StageValidated     Stage = "VALIDATED"
	StagePublished     Stage = "PUBLISHED"
	StageStored        Stage = "STORED"
	StageBroadcastDone Stage = "BROADCAST_DONE"
	StageRejected      Stage = "REJECTED"
	StageFailed        Stage = "FAILED"
)

// Result is the outcome of one coordinator entry point. Status and Body are
// what a gateway integration answers with. From is the last stage completed
// before a REJECTED or FAILED outcome.
type Result struct {
	Status int
	Stage  Stage
	From   Stage
	Report *broadcast.Report
	Body   string
	Err    error
}

// OK reports a 2xx status.
func (r Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

func success(stage Stage, body any) Result {
	return Result{Status: http.StatusOK, Stage: stage, Body: encodeBody(body)}
}

func failure(stage Stage, err error) Result {
	return Result{
		Status: apperrors.StatusOf(err),
		Stage:  stage,
		Body:   encodeBody(apperrors.Response(err)),
		Err:    err,
	}
}

// after records the stage that was completed before r.
func (r Result) after(from Stage) Result {
	r.From = from
	return r
}

func encodeBody(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal server error","code":"INTERNAL_ERROR"}`
	}
	return string(b)
}

// messageBody is the success body shape.
type messageBody struct {
	Message string            `json:"message"`
	EventID string            `json:"event_id,omitempty"`
	Report  *broadcast.Report `json:"report,omitempty"`
}
