package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/sqew/sqew/internal/queue"
)

func writeInvalidArgument(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, queue.KindInvalidArgument, detail)
}

func writePayloadTooLarge(w http.ResponseWriter, limit int64) {
	detail := "request body too large"
	if limit > 0 {
		detail = "request body too large (max " + strconv.FormatInt(limit, 10) + " bytes)"
	}
	WriteError(w, http.StatusRequestEntityTooLarge, queue.KindPayloadTooLarge, detail)
}

func writeDecodeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		writePayloadTooLarge(w, tooLarge.Limit)
		return
	}
	writeInvalidArgument(w, err.Error())
}

// writeEngineError maps engine error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var qerr *queue.Error
	if !errors.As(err, &qerr) {
		WriteError(w, http.StatusInternalServerError, queue.KindStorage, "internal server error")
		return
	}

	var status int
	switch qerr.Kind {
	case queue.KindNotFound:
		status = http.StatusNotFound
	case queue.KindAlreadyExists, queue.KindLeaseLost:
		status = http.StatusConflict
	case queue.KindInvalidArgument:
		status = http.StatusBadRequest
	case queue.KindPayloadTooLarge:
		status = http.StatusRequestEntityTooLarge
	case queue.KindOverloaded:
		status = http.StatusTooManyRequests
	default:
		status = http.StatusInternalServerError
	}
	WriteError(w, status, qerr.Kind, qerr.Detail)
}
