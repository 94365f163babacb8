package requests

import (
	"net/http"

	"github.com/captionscale/transcribe-api/config"
)

const requestIDParam = "requestID"

func GetRequestId(req *http.Request) string {
	requestID := req.Header.Get(requestIDParam)
	if requestID != "" {
		return requestID
	}
	requestID = config.RandomTrailer(8)
	req.Header.Set(requestIDParam, requestID)
	return requestID
}
