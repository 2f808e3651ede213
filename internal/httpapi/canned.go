package httpapi

import "net/http"

// cannedResponse is a protocol-level rejection. The bodies are fixed
// byte strings so clients can rely on them verbatim; canned responses
// intentionally omit the CORS and version headers of enveloped ones.
type cannedResponse struct {
	status     int
	body       string
	logMessage string
}

// The 400 body is shared between the missing-token and malformed-JSON
// rejections.
var (
	cannedBadRequest = cannedResponse{
		status:     http.StatusBadRequest,
		body:       `{"code":400, "message": "Bad Request. Make sure your request has a X-Armadito-Token header and if POST request contains valid JSON"}`,
		logMessage: "request is missing the token header",
	}
	cannedForbidden = cannedResponse{
		status:     http.StatusForbidden,
		body:       `{"code":403, "message": "Request forbidden. Make sure your request has a User-Agent header"}`,
		logMessage: "request is missing the User-Agent header",
	}
	cannedNotFound = cannedResponse{
		status:     http.StatusNotFound,
		body:       `{"code":404, "message": "Not found"}`,
		logMessage: "requested path is not part of the API",
	}
	cannedMethodNotAllowed = cannedResponse{
		status:     http.StatusMethodNotAllowed,
		body:       `{"code":405, "message": "Method not allowed"}`,
		logMessage: "method is not allowed on this endpoint",
	}
	cannedUnsupportedMedia = cannedResponse{
		status:     http.StatusUnsupportedMediaType,
		body:       `{"code":415, "message": "Unsupported Media Type. Content-Type must be application/json"}`,
		logMessage: "request content type is not application/json",
	}
	cannedUnprocessable = cannedResponse{
		status:     http.StatusUnprocessableEntity,
		body:       `{"code":422, "message": "Unprocessable request. Make sure the JSON request is valid"}`,
		logMessage: "request document failed endpoint validation",
	}
)

func (h *Handler) writeCanned(w http.ResponseWriter, resp cannedResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}
