package engine

import "govtech/internal/domain"

// Commands lists every state machine command in table order.
var Commands = []domain.CommandName{
	domain.CmdBeginAnalysis,
	domain.CmdRequestMoreInfo,
	domain.CmdInfoProvided,
	domain.CmdAdvance,
	domain.CmdCompleteStep,
	domain.CmdForward,
	domain.CmdResume,
	domain.CmdCancel,
	domain.CmdClose,
}

// transitions is the complete table. CompleteStep targets in_progress; the
// fold moves the protocol to resolved when the last step completes.
var transitions = map[domain.Status]map[domain.CommandName]domain.Status{
	domain.StatusReceived: {
		domain.CmdBeginAnalysis: domain.StatusInAnalysis,
		domain.CmdCancel:        domain.StatusCancelled,
	},
	domain.StatusInAnalysis: {
		domain.CmdRequestMoreInfo: domain.StatusPendingInfo,
		domain.CmdAdvance:         domain.StatusInProgress,
		domain.CmdCancel:          domain.StatusCancelled,
	},
	domain.StatusPendingInfo: {
		domain.CmdInfoProvided: domain.StatusInAnalysis,
		domain.CmdCancel:       domain.StatusCancelled,
	},
	domain.StatusInProgress: {
		domain.CmdCompleteStep: domain.StatusInProgress,
		domain.CmdForward:      domain.StatusForwarded,
		domain.CmdCancel:       domain.StatusCancelled,
	},
	domain.StatusForwarded: {
		domain.CmdResume: domain.StatusInProgress,
		domain.CmdCancel: domain.StatusCancelled,
	},
	domain.StatusResolved: {
		domain.CmdClose: domain.StatusClosed,
	},
}

// Transition returns the status cmd leads to from s.
func Transition(s domain.Status, cmd domain.CommandName) (domain.Status, bool) {
	to, ok := transitions[s][cmd]
	return to, ok
}

// Allowed lists the commands legal from s.
func Allowed(s domain.Status) []domain.CommandName {
	var out []domain.CommandName
	for _, c := range Commands {
		if _, ok := transitions[s][c]; ok {
			out = append(out, c)
		}
	}
	return out
}
