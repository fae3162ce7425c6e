package server

import (
	"time"

	"govtech/internal/domain"
)

type CreateProtocolRequest struct {
	ServiceCode string `json:"service_code" minLength:"1" example:"ALV_FUNC"`
	RequesterID string `json:"requester_id,omitempty" doc:"Defaults to the caller"`
	Priority    string `json:"priority,omitempty" enum:"low,normal,high,urgent,critical"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
}

type CommandRequest struct {
	Command    string `json:"command" enum:"begin_analysis,request_more_info,info_provided,advance,complete_step,forward,resume,cancel,close"`
	Department string `json:"department,omitempty" doc:"Target department for forward"`
	Reason     string `json:"reason,omitempty"`
	Note       string `json:"note,omitempty"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id" minLength:"1"`
}

type ResponseRequest struct {
	Message string `json:"message" minLength:"1"`
	Public  bool   `json:"public,omitempty"`
}

type RatingRequest struct {
	Score   int    `json:"score" minimum:"1" maximum:"5"`
	Comment string `json:"comment,omitempty" maxLength:"2000"`
}

type DocumentRequest struct {
	Name        string `json:"name" minLength:"1"`
	Ref         string `json:"ref" minLength:"1" doc:"Location of the document in external storage"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty" minimum:"0"`
}

type SweepRequest struct {
	At *time.Time `json:"at,omitempty" doc:"Evaluate deadlines at this instant instead of now"`
}

type ProtocolResponse struct {
	Protocol domain.Protocol       `json:"protocol"`
	Steps    []domain.StepInstance `json:"steps"`
	Allowed  []domain.CommandName  `json:"allowed"`
}

type ProtocolList struct {
	Items    []domain.Protocol `json:"items"`
	Position int64             `json:"position" doc:"Log position the list reflects"`
}

type TemplateList struct {
	Items []domain.ProtocolTemplate `json:"items"`
}

type SweepResponse struct {
	Ran         bool                     `json:"ran"`
	Escalations []domain.EscalationEvent `json:"escalations"`
}

type EventPage struct {
	Items      []domain.Event `json:"items"`
	NextCursor int64          `json:"next_cursor"`
}

type WhoAmIResponse struct {
	User   domain.User `json:"user"`
	Source string      `json:"source"`
}
