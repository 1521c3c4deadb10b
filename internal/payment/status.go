package payment

// Status is the stable internal payment state. It is always derived from a
// provider response via the mapping below, never inferred locally.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusRejected Status = "rejected"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// statusByCode is the fixed mapping for the polling provider's numeric codes.
var statusByCode = map[int]Status{
	1: StatusPending,
	2: StatusPaid,
	3: StatusRejected,
	4: StatusCanceled,
	5: StatusExpired,
}

// StatusFromCode maps a provider status code to a Status. Unknown codes map
// to pending so that a new code on the provider side degrades to "check
// again later" instead of an error.
func StatusFromCode(code int) Status {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return StatusPending
}

func (s Status) Paid() bool {
	return s == StatusPaid
}
