package slack_http

import (
	"fmt"

	"github.com/davarch/approval-gate/internal/domain"
)

type textObject struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type block struct {
	Type string      `json:"type"`
	Text *textObject `json:"text,omitempty"`
}

type confirm struct {
	Title       string `json:"title"`
	Text        string `json:"text"`
	OkText      string `json:"ok_text"`
	DismissText string `json:"dismiss_text"`
}

type action struct {
	Name    string   `json:"name"`
	Text    string   `json:"text"`
	Type    string   `json:"type"`
	Style   string   `json:"style,omitempty"`
	Value   string   `json:"value"`
	Confirm *confirm `json:"confirm,omitempty"`
}

type attachment struct {
	Text           string   `json:"text"`
	Fallback       string   `json:"fallback"`
	CallbackID     string   `json:"callback_id"`
	Color          string   `json:"color"`
	AttachmentType string   `json:"attachment_type"`
	Actions        []action `json:"actions"`
}

type Message struct {
	Channel     string       `json:"channel"`
	Text        string       `json:"text"`
	Blocks      []block      `json:"blocks"`
	Attachments []attachment `json:"attachments"`
}

const CallbackID = "approval-gate"

// BuildApprovalMessage renders the actionable approval prompt. Both buttons
// carry the approval token so the callback can be correlated without state.
func BuildApprovalMessage(channel string, ev domain.NotificationEvent) Message {
	approve := ev.ApproveAction
	if approve == "" {
		approve = domain.EncodeAction(domain.DecisionApprove, ev.Token, ev.Pipeline)
	}
	reject := ev.RejectAction
	if reject == "" {
		reject = domain.EncodeAction(domain.DecisionReject, ev.Token, ev.Pipeline)
	}

	review := ev.ReferenceLink
	if review == "" {
		review = "n/a"
	}

	return Message{
		Channel: channel,
		Text:    "An approval is waiting for approve.",
		Blocks: []block{{
			Type: "section",
			Text: &textObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("An approval is waiting for approve.\n Pipeline: %s (execution `%s`)\n Status: Waiting for approval\n Github review: %s\n",
					ev.Pipeline, ev.ExecutionID, review),
			},
		}},
		Attachments: []attachment{{
			Text:           "Yes to deploy",
			Fallback:       "You are unable to deploy",
			CallbackID:     CallbackID,
			Color:          "#3AA3E3",
			AttachmentType: "default",
			Actions: []action{
				{
					Name:  "deployment",
					Text:  "Yes",
					Type:  "button",
					Style: "danger",
					Value: approve,
					Confirm: &confirm{
						Title:       "Are you sure?",
						Text:        "This action will deploy your app and can't be undone!",
						OkText:      "Yes",
						DismissText: "No",
					},
				},
				{
					Name:  "deployment",
					Text:  "No",
					Type:  "button",
					Value: reject,
				},
			},
		}},
	}
}
