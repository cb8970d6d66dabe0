package session

import "strings"

// Response is a participant's standing answer to a session.
type Response string

const (
	ResponseYes          Response = "yes"
	ResponseNo           Response = "no"
	ResponseMaybe        Response = "maybe"
	ResponseLate         Response = "late"
	ResponseEarly        Response = "early"
	ResponseLateAndEarly Response = "late_and_early"
)

// Responses lists every response in display order.
var Responses = []Response{
	ResponseYes, ResponseNo, ResponseMaybe, ResponseLate, ResponseEarly, ResponseLateAndEarly,
}

func (r Response) Valid() bool {
	switch r {
	case ResponseYes, ResponseNo, ResponseMaybe, ResponseLate, ResponseEarly, ResponseLateAndEarly:
		return true
	}
	return false
}

// Confirmed reports whether the response counts toward the minimum player threshold.
func (r Response) Confirmed() bool {
	switch r {
	case ResponseYes, ResponseLate, ResponseEarly, ResponseLateAndEarly:
		return true
	}
	return false
}

// OnTime reports whether the participant is expected for the full session.
func (r Response) OnTime() bool {
	return r == ResponseYes
}

// Label returns a short human readable form.
func (r Response) Label() string {
	switch r {
	case ResponseYes:
		return "Attending"
	case ResponseNo:
		return "Not attending"
	case ResponseMaybe:
		return "Maybe"
	case ResponseLate:
		return "Arriving late"
	case ResponseEarly:
		return "Leaving early"
	case ResponseLateAndEarly:
		return "Late and leaving early"
	}
	return string(r)
}

var responseAliases = map[string]Response{
	"yes":            ResponseYes,
	"y":              ResponseYes,
	"accepted":       ResponseYes,
	"accept":         ResponseYes,
	"attending":      ResponseYes,
	"going":          ResponseYes,
	"✅":              ResponseYes,
	"👍":              ResponseYes,
	"no":             ResponseNo,
	"n":              ResponseNo,
	"declined":       ResponseNo,
	"decline":        ResponseNo,
	"not_attending":  ResponseNo,
	"❌":              ResponseNo,
	"👎":              ResponseNo,
	"maybe":          ResponseMaybe,
	"tentative":      ResponseMaybe,
	"unsure":         ResponseMaybe,
	"❓":              ResponseMaybe,
	"🤔":              ResponseMaybe,
	"late":           ResponseLate,
	"⏰":              ResponseLate,
	"🕐":              ResponseLate,
	"early":          ResponseEarly,
	"leave_early":    ResponseEarly,
	"🏃":              ResponseEarly,
	"late_and_early": ResponseLateAndEarly,
	"late-and-early": ResponseLateAndEarly,
	"lateandearly":   ResponseLateAndEarly,
}

// ParseResponse maps an external or legacy response string onto a Response.
// Unknown values map to ResponseMaybe.
func ParseResponse(raw string) Response {
	key := strings.ToLower(strings.TrimSpace(raw))
	if r, ok := responseAliases[key]; ok {
		return r
	}
	return ResponseMaybe
}
