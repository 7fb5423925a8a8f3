package model

import "time"

type OperationType string

const (
	OperationIssue       OperationType = "issue"
	OperationMint        OperationType = "mint"
	OperationBurn        OperationType = "burn"
	OperationRedeem      OperationType = "redeem"
	OperationSwap        OperationType = "swap"
	OperationPauseToggle OperationType = "pause_toggle"
)

// Stage is a named approval role.
type Stage string

const (
	StageTreasury    Stage = "treasury"
	StageCompliance  Stage = "compliance"
	StageManagement  Stage = "management"
	StagePauser      Stage = "pauser_role"
	StageAuthFactor1 Stage = "auth_factor_1"
	StageAuthFactor2 Stage = "auth_factor_2"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestApproved  RequestStatus = "APPROVED"
	RequestRejected  RequestStatus = "REJECTED"
	RequestExecuted  RequestStatus = "EXECUTED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestRejected, RequestExecuted, RequestCancelled:
		return true
	}
	return false
}

// StageDecision records who cleared a stage and when.
type StageDecision struct {
	Stage     Stage     `json:"stage"`
	Approver  string    `json:"approver"`
	DecidedAt time.Time `json:"decided_at"`
}
