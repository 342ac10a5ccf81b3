package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decision is a closed set: every switch over it must handle both values.
type Decision uint8

const (
	DecisionApprove Decision = iota + 1
	DecisionReject
)

func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved", "yes":
		return DecisionApprove, nil
	case "reject", "rejected", "no":
		return DecisionReject, nil
	default:
		return 0, &ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %q", s)}
	}
}

func (d Decision) String() string {
	switch d {
	case DecisionApprove:
		return "approve"
	case DecisionReject:
		return "reject"
	default:
		return "invalid"
	}
}

// Status is the terminal approval status a decision moves a request to.
func (d Decision) Status() (ApprovalStatus, error) {
	switch d {
	case DecisionApprove:
		return ApprovalApproved, nil
	case DecisionReject:
		return ApprovalRejected, nil
	default:
		return "", &ValidationError{Field: "decision", Reason: "decision is not set"}
	}
}

func (d Decision) MarshalJSON() ([]byte, error) {
	if _, err := d.Status(); err != nil {
		return nil, err
	}
	return json.Marshal(d.String())
}

func (d *Decision) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return &ValidationError{Field: "decision", Reason: "must be a string"}
	}
	v, err := ParseDecision(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Callback is an operator's answer to an approval request as received from
// the chat platform.
type Callback struct {
	Token    string
	Actor    string
	Decision Decision
	Comment  string
}

func (c Callback) Validate() error {
	if c.Token == "" {
		return &ValidationError{Field: "token", Reason: "empty"}
	}
	if c.Actor == "" {
		return &ValidationError{Field: "actor", Reason: "empty"}
	}
	if _, err := c.Decision.Status(); err != nil {
		return err
	}
	return nil
}

// ActionValue is the value attached to an interactive chat control.
type ActionValue struct {
	Approve  bool   `json:"approve"`
	Token    string `json:"token"`
	Pipeline string `json:"pipelineName,omitempty"`
}

func EncodeAction(d Decision, token, pipeline string) string {
	b, _ := json.Marshal(ActionValue{Approve: d == DecisionApprove, Token: token, Pipeline: pipeline})
	return string(b)
}

func DecodeAction(s string) (Decision, ActionValue, error) {
	var v ActionValue
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return 0, ActionValue{}, &ValidationError{Field: "action", Reason: "malformed action value"}
	}
	if v.Token == "" {
		return 0, ActionValue{}, &ValidationError{Field: "action", Reason: "action value has no token"}
	}
	if v.Approve {
		return DecisionApprove, v, nil
	}
	return DecisionReject, v, nil
}
