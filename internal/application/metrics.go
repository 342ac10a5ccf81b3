package application

import "github.com/davarch/approval-gate/internal/domain"

type Metrics interface {
	ApprovalRequested(pipeline string)
	ApprovalResolved(status domain.ApprovalStatus)
	CallbackRejected(reason string)
	NotificationFailed()
	ExecutionFinished(status domain.ExecutionStatus)
}

type nopMetrics struct{}

func (nopMetrics) ApprovalRequested(string)                 {}
func (nopMetrics) ApprovalResolved(domain.ApprovalStatus)   {}
func (nopMetrics) CallbackRejected(string)                  {}
func (nopMetrics) NotificationFailed()                      {}
func (nopMetrics) ExecutionFinished(domain.ExecutionStatus) {}
