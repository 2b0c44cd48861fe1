package telemetry

import (
	"log"
	"time"

	"github.com/kiro-project/kiroproxy/internal/kiroproxy"
)

// Recorder implements kiroproxy.AttemptRecorder and additionally tracks
// request-level spans for the admin surface. It is safe for concurrent use
// by many in-flight requests sharing one Orchestrator.
type Recorder struct {
	db       *DB
	Broadcast func(ProxyUpstreamAttempt)
}

func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db}
}

func outcomeLabel(o kiroproxy.Outcome) string {
	switch o {
	case kiroproxy.OutcomeSuccess:
		return "success"
	case kiroproxy.OutcomeTransientFailure:
		return "transient_failure"
	case kiroproxy.OutcomeFatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// OnAttempt satisfies kiroproxy.AttemptRecorder. The interface carries no
// request correlation, so attempts are logged standalone; RequestSpan below
// stitches the enclosing ProxyRequest row together on the handler side.
func (r *Recorder) OnAttempt(credentialID, upstreamModelID string, outcome kiroproxy.Outcome, err error) {
	if r == nil || r.db == nil {
		return
	}
	now := time.Now().UnixMilli()
	row := ProxyUpstreamAttempt{
		CredentialID:    credentialID,
		UpstreamModelID: upstreamModelID,
		Outcome:         outcomeLabel(outcome),
		StartTime:       now,
		EndTime:         now,
	}
	if err != nil {
		row.Error = LongText(err.Error())
	}
	if dbErr := r.db.gorm.Create(&row).Error; dbErr != nil {
		log.Printf("[telemetry] recording attempt: %v", dbErr)
		return
	}
	if r.Broadcast != nil {
		r.Broadcast(row)
	}
}

// RequestSpan tracks one client-facing call from arrival to completion.
type RequestSpan struct {
	r         *Recorder
	requestID string
	model     string
	clientTyp string
	isStream  bool
	start     time.Time
}

// BeginRequest opens a span for a newly-arrived client request. Call
// Finish once the response (success or failure) has been fully written.
func (r *Recorder) BeginRequest(requestID, clientType, requestModel string, isStream bool) *RequestSpan {
	return &RequestSpan{
		r:         r,
		requestID: requestID,
		model:     requestModel,
		clientTyp: clientType,
		isStream:  isStream,
		start:     time.Now(),
	}
}

// Finish persists the ProxyRequest row. statusCode is the HTTP status
// ultimately reported to the client; attemptCount is how many leases the
// orchestrator's retry loop consumed; handleErr is nil on success.
func (s *RequestSpan) Finish(statusCode int, attemptCount uint64, handleErr error) {
	if s == nil || s.r == nil || s.r.db == nil {
		return
	}
	end := time.Now()
	status := "completed"
	var errText LongText
	if handleErr != nil {
		status = "failed"
		errText = LongText(handleErr.Error())
	}

	row := ProxyRequest{
		RequestID:     s.requestID,
		ClientType:    s.clientTyp,
		RequestModel:  s.model,
		ResponseModel: s.model,
		StartTime:     s.start.UnixMilli(),
		EndTime:       end.UnixMilli(),
		DurationMs:    end.Sub(s.start).Milliseconds(),
		Status:        status,
		Error:         errText,
		AttemptCount:  attemptCount,
		IsStream:      s.isStream,
		StatusCode:    statusCode,
	}
	if err := s.r.db.gorm.Create(&row).Error; err != nil {
		log.Printf("[telemetry] recording request: %v", err)
	}
}
