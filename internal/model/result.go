package model

import (
	"strings"
	"time"
)

// Status is the outcome class threaded through search, allocation and saga steps.
type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusError     Status = "ERROR"
	StatusDBCleanup Status = "ERROR_DB_CLEANUP"
	StatusNotFound  Status = "NOT_FOUND"
)

func (s Status) OK() bool { return s == StatusSuccess }

// SlotResult is what the store returns for an allocator call.
type SlotResult struct {
	Status  Status
	Slot    int
	When    string
	Message string
}

type MetricType string

const (
	MetricBooking      MetricType = "agendamento"
	MetricCancellation MetricType = "cancelamento"
	MetricReminder     MetricType = "lembrete"
)

func (t MetricType) Valid() bool {
	switch t {
	case MetricBooking, MetricCancellation, MetricReminder:
		return true
	}
	return false
}

type MetricStatus string

const (
	MetricSuccess MetricStatus = "success"
	MetricFailed  MetricStatus = "failed"
	MetricPending MetricStatus = "pending"
)

func (s MetricStatus) Valid() bool {
	switch s {
	case MetricSuccess, MetricFailed, MetricPending:
		return true
	}
	return false
}

// MetricStatusFor maps a result status onto the audit vocabulary.
func MetricStatusFor(s Status) MetricStatus {
	if s.OK() {
		return MetricSuccess
	}
	return MetricFailed
}

// Metric is one append-only audit row.
type Metric struct {
	ID        string       `json:"id"`
	ClientID  string       `json:"cliente_id"`
	EventID   string       `json:"event_id"`
	Type      MetricType   `json:"tipo_metrica"`
	Status    MetricStatus `json:"status"`
	Details   string       `json:"detalhes"`
	CreatedAt time.Time    `json:"criado_em"`
	UpdatedAt time.Time    `json:"atualizado_em"`
}

// Step is the conversation flow a chat is currently in.
type Step string

const (
	StepNone         Step = ""
	StepDateSearch   Step = "DATE_SEARCH"
	StepDateConfirm  Step = "DATE_CONFIRM"
	StepCancelVerify Step = "CANCEL_VERIFY"
	StepHandoff      Step = "HUMAN_HANDOFF"
)

// ParseStep maps a stored step name back to a Step. Unknown names mean no flow.
func ParseStep(v string) Step {
	switch Step(strings.TrimSpace(v)) {
	case StepDateSearch:
		return StepDateSearch
	case StepDateConfirm:
		return StepDateConfirm
	case StepCancelVerify:
		return StepCancelVerify
	case StepHandoff:
		return StepHandoff
	}
	return StepNone
}
