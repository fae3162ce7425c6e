package domain

import "strings"

type CommandName string

const (
	CmdCreate          CommandName = "create"
	CmdBeginAnalysis   CommandName = "begin_analysis"
	CmdRequestMoreInfo CommandName = "request_more_info"
	CmdInfoProvided    CommandName = "info_provided"
	CmdAdvance         CommandName = "advance"
	CmdCompleteStep    CommandName = "complete_step"
	CmdForward         CommandName = "forward"
	CmdResume          CommandName = "resume"
	CmdCancel          CommandName = "cancel"
	CmdClose           CommandName = "close"

	// Operations outside the transition table; used in errors and metrics.
	CmdAssign         CommandName = "assign"
	CmdAddResponse    CommandName = "add_response"
	CmdAttachDocument CommandName = "attach_document"
	CmdRate           CommandName = "rate"
)

// Command is a closed set of state machine inputs. Each variant carries only
// the fields its transition needs.
type Command interface {
	Name() CommandName
	isCommand()
}

type Create struct {
	ServiceCode string
	RequesterID string
	Priority    Priority
	Subject     string
	Description string
}

type BeginAnalysis struct{}

type RequestMoreInfo struct {
	Reason string
}

type InfoProvided struct {
	Note string
}

type Advance struct{}

type CompleteStep struct {
	Note string
}

type Forward struct {
	Department string
	Reason     string
}

type Resume struct{}

type Cancel struct {
	Reason string
}

type Close struct{}

func (Create) Name() CommandName          { return CmdCreate }
func (BeginAnalysis) Name() CommandName   { return CmdBeginAnalysis }
func (RequestMoreInfo) Name() CommandName { return CmdRequestMoreInfo }
func (InfoProvided) Name() CommandName    { return CmdInfoProvided }
func (Advance) Name() CommandName         { return CmdAdvance }
func (CompleteStep) Name() CommandName    { return CmdCompleteStep }
func (Forward) Name() CommandName         { return CmdForward }
func (Resume) Name() CommandName          { return CmdResume }
func (Cancel) Name() CommandName          { return CmdCancel }
func (Close) Name() CommandName           { return CmdClose }

func (Create) isCommand()          {}
func (BeginAnalysis) isCommand()   {}
func (RequestMoreInfo) isCommand() {}
func (InfoProvided) isCommand()    {}
func (Advance) isCommand()         {}
func (CompleteStep) isCommand()    {}
func (Forward) isCommand()         {}
func (Resume) isCommand()          {}
func (Cancel) isCommand()          {}
func (Close) isCommand()           {}

// CommandArgs is the loose wire shape accepted by the API and CLI.
type CommandArgs struct {
	Department string
	Reason     string
	Note       string
}

// ParseCommand builds the variant named by name. Create is not accepted here;
// protocols are created through their own operation.
func ParseCommand(name string, args CommandArgs) (Command, error) {
	switch CommandName(strings.ToLower(strings.TrimSpace(name))) {
	case CmdBeginAnalysis:
		return BeginAnalysis{}, nil
	case CmdRequestMoreInfo:
		return RequestMoreInfo{Reason: args.Reason}, nil
	case CmdInfoProvided:
		return InfoProvided{Note: args.Note}, nil
	case CmdAdvance:
		return Advance{}, nil
	case CmdCompleteStep:
		return CompleteStep{Note: args.Note}, nil
	case CmdForward:
		if strings.TrimSpace(args.Department) == "" {
			return nil, InvalidCommandError{Command: CmdForward, Reason: "department is required"}
		}
		return Forward{Department: strings.TrimSpace(args.Department), Reason: args.Reason}, nil
	case CmdResume:
		return Resume{}, nil
	case CmdCancel:
		return Cancel{Reason: args.Reason}, nil
	case CmdClose:
		return Close{}, nil
	default:
		return nil, InvalidCommandError{Command: CommandName(name), Reason: "unknown command"}
	}
}
