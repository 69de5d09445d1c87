package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusError indicates a request failed.
	StatusError Status = "error"
)

// Response is the envelope for non-JSON-native endpoints.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
