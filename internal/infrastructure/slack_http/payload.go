package slack_http

import (
	"encoding/json"
	"errors"
	"mime"
	"net/url"
	"strings"

	"github.com/davarch/approval-gate/internal/domain"
)

type jsonCallback struct {
	Token    string          `json:"token"`
	Actor    string          `json:"actor"`
	Decision domain.Decision `json:"decision"`
	Comment  string          `json:"comment,omitempty"`
}

type interactivePayload struct {
	User struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"user"`
	Actions []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"actions"`
	MessageTS string `json:"message_ts"`
}

// ParseCallback accepts either the plain JSON callback body or Slack's
// form-encoded interactive message payload.
func ParseCallback(contentType string, body []byte) (domain.Callback, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt == "application/x-www-form-urlencoded" {
		return parseInteractive(body)
	}

	var in jsonCallback
	if err := json.Unmarshal(body, &in); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return domain.Callback{}, ve
		}
		return domain.Callback{}, &domain.ValidationError{Reason: "malformed json body"}
	}
	cb := domain.Callback{
		Token:    strings.TrimSpace(in.Token),
		Actor:    strings.TrimSpace(in.Actor),
		Decision: in.Decision,
		Comment:  strings.TrimSpace(in.Comment),
	}
	return cb, cb.Validate()
}

func parseInteractive(body []byte) (domain.Callback, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return domain.Callback{}, &domain.ValidationError{Reason: "malformed form body"}
	}
	raw := form.Get("payload")
	if raw == "" {
		return domain.Callback{}, &domain.ValidationError{Field: "payload", Reason: "missing"}
	}

	var p interactivePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return domain.Callback{}, &domain.ValidationError{Field: "payload", Reason: "malformed json"}
	}
	if len(p.Actions) == 0 {
		return domain.Callback{}, &domain.ValidationError{Field: "actions", Reason: "empty"}
	}

	decision, v, err := domain.DecodeAction(p.Actions[0].Value)
	if err != nil {
		return domain.Callback{}, err
	}

	actor := p.User.Name
	if actor == "" {
		actor = p.User.Username
	}
	cb := domain.Callback{Token: v.Token, Actor: strings.TrimSpace(actor), Decision: decision}
	return cb, cb.Validate()
}
