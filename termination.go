package remittance

// Termination ends a thread, in either direction. It doubles as an error value so module and
// identity decisions can be surfaced directly.
type Termination struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func NewTermination(code, message string) *Termination {
	return &Termination{
		Code:    code,
		Message: message,
	}
}

func (t Termination) Error() string {
	if len(t.Code) == 0 {
		return t.Message
	}

	return t.Code + ": " + t.Message
}
