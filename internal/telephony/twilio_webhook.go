package telephony

import (
	"net/http"
	"strings"
)

// TwilioStatusForm captures the subset of call status callback fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid      string
	AccountSid   string
	From         string
	To           string
	Direction    string
	CallStatus   string
	CallerName   string
	CallDuration string
	Timestamp    string
}

func ParseTwilioStatusCallback(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	f := TwilioStatusForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         normalizePhone(r.PostFormValue("From")),
		To:           normalizePhone(r.PostFormValue("To")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		CallerName:   strings.TrimSpace(r.PostFormValue("CallerName")),
		CallDuration: r.PostFormValue("CallDuration"),
		Timestamp:    r.PostFormValue("Timestamp"),
	}
	return f, nil
}

// normalizePhone maps Twilio's anonymous caller markers to "unknown", the
// value the rate limiter exempts.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "anonymous", "restricted", "unavailable":
		return "unknown"
	}
	return s
}

// Action maps CallStatus onto the registry lifecycle.
func (f TwilioStatusForm) Action() Action {
	switch f.CallStatus {
	case "queued", "initiated", "ringing":
		return ActionOpen
	case "in-progress", "answered":
		return ActionActive
	case "completed", "busy", "failed", "no-answer", "canceled":
		return ActionClose
	default:
		return ActionIgnore
	}
}
