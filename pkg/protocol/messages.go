package protocol

import (
	"encoding/json"

	"github.com/lattice-edge/fairshare/pkg/types"
)

// RequestKind discriminates the inbound request shapes.
type RequestKind string

const (
	RequestNewJob    RequestKind = "New Job"
	RequestTerminate RequestKind = "Terminate"
)

// envelope peeks at the discriminator field without committing to
// either payload shape.
type envelope struct {
	Request RequestKind `json:"Request"`
}

// JobSpec is the nested job description carried by a NewJobRequest.
type JobSpec struct {
	CommsPort int    `json:"CommsPort"`
	Priority  int    `json:"Priority"`
	Ports     string `json:"Ports"`
}

// NewJobRequest asks the node to enqueue a job.
type NewJobRequest struct {
	Request RequestKind `json:"Request"`
	Job     JobSpec     `json:"Job"`
}

// TerminateRequest asks the node to stop or dequeue a job.
type TerminateRequest struct {
	Request RequestKind `json:"Request"`
	JobID   int64       `json:"JobID"`
}

// ParseRequest inspects payload's discriminator and decodes it into the
// matching concrete request type. It returns (nil, nil, false) for an
// unrecognized or malformed request; the caller treats that as an
// invalid-request refusal rather than a hard error.
func ParseRequest(payload []byte) (newJob *NewJobRequest, terminate *TerminateRequest, ok bool) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, false
	}

	switch env.Request {
	case RequestNewJob:
		var req NewJobRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, nil, false
		}
		return &req, nil, true
	case RequestTerminate:
		var req TerminateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, nil, false
		}
		return nil, &req, true
	default:
		return nil, nil, false
	}
}

// Accepted acknowledges a New Job or Terminate request.
type Accepted struct {
	Msg         string `json:"Msg"`
	RequestType string `json:"RequestType"`
	JobID       int64  `json:"JobID"`
}

// NewJobAccepted builds the acknowledgement sent after a job is queued.
func NewJobAccepted(jobID int64) Accepted {
	return Accepted{Msg: "Accepted", RequestType: "Start", JobID: jobID}
}

// TerminateAccepted builds the acknowledgement sent after a termination
// request is queued (the container was still running).
func TerminateAccepted(jobID int64) Accepted {
	return Accepted{Msg: "Accepted", RequestType: "Terminate", JobID: jobID}
}

// Refused tells the client why a request was not honored.
type Refused struct {
	Msg    string `json:"Msg"`
	Reason string `json:"Reason"`
}

// NewRefused builds a refusal with the given reason.
func NewRefused(reason string) Refused {
	return Refused{Msg: "Refused", Reason: reason}
}

// Started is sent on the client's CommsPort once a job's container is
// running, before the node reads the client's public shell key.
type Started struct {
	Msg   string        `json:"Msg"`
	JobID int64         `json:"JobID"`
	Ports types.PortMap `json:"Ports"`
}

// NewStarted builds the dispatch notice for a job's container, ports.
func NewStarted(jobID int64, ports types.PortMap) Started {
	return Started{Msg: "Started", JobID: jobID, Ports: ports}
}

// Terminated is the asynchronous push notification the node sends over
// a fresh outbound connection once a container has actually been
// stopped, whether because the client asked for it or because the node
// judged it idle.
type Terminated struct {
	Msg    string `json:"Msg"`
	JobID  int64  `json:"JobID"`
	Reason string `json:"Reason"`
}

// NewTerminated builds a termination notice.
func NewTerminated(jobID int64, reason string) Terminated {
	return Terminated{Msg: "Terminated", JobID: jobID, Reason: reason}
}

// TerminatedWaiting is the synchronous reply sent on the same
// connection when a Terminate request names a job that was still
// sitting in the waiting queue, never dispatched. Its job id field is
// "JobId" (lowercase d), unlike every other message in this package;
// that is the wire shape clients expect for this one reply and is not
// a typo.
type TerminatedWaiting struct {
	Msg    string `json:"Msg"`
	JobID  int64  `json:"JobId"`
	Reason string `json:"Reason"`
}

// NewTerminatedWaiting builds the reply for a Terminate request that
// dequeued a job before it ever dispatched.
func NewTerminatedWaiting(jobID int64) TerminatedWaiting {
	return TerminatedWaiting{Msg: "Terminated", JobID: jobID, Reason: "Termination Requested"}
}
